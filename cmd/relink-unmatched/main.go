package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/models"
)

// Maintenance sweep: re-attempts the order/entry backfill for every order
// that carries an order number. Normally relinking happens at order
// creation; this catches entries imported before the feature existed or
// fixed up by hand.
func main() {
	dryRun := flag.Bool("dry-run", false, "report without writing")
	batch := flag.Int("batch", 500, "orders per batch")
	flag.Parse()

	logger := config.GetLogger()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()

	var relinked int64
	var lastId int
	for {
		var orders []models.SalesOrder
		err := db.Where("id > ? AND order_number <> ''", lastId).
			Order("id").Limit(*batch).Find(&orders).Error
		if err != nil {
			logger.WithFields(logrus.Fields{"error": err.Error()}).Error("load orders")
			os.Exit(1)
		}
		if len(orders) == 0 {
			break
		}
		for i := range orders {
			order := &orders[i]
			lastId = order.ID
			if *dryRun {
				var pending int64
				db.Model(&models.DistributionEntry{}).
					Where("source = ? AND order_number = ? AND sales_order_id IS NULL",
						order.Source, order.OrderNumber).
					Count(&pending)
				relinked += pending
				continue
			}
			n, err := models.RelinkUnmatchedEntries(db, order)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"order_id": order.ID,
					"error":    err.Error(),
				}).Error("relink failed")
				continue
			}
			relinked += n
		}
	}

	if *dryRun {
		fmt.Printf("dry run: %d entries would be relinked\n", relinked)
		return
	}
	fmt.Printf("relinked %d entries\n", relinked)
}
