package models

import (
	"log"

	"bitbucket.org/mmdatafocus/qms_backend/config"
)

func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&Customer{},
		&SalesOrder{},
		&SalesOrderLine{},
		&DistributionEntry{},
		&SyncRun{},
		&SyncRunSkip{},
		&StoredFile{},
		&History{},
	)
	if err != nil {
		log.Fatalf("auto migrate failed: %v", err)
	}
}
