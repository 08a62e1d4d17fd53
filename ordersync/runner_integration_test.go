package ordersync

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/models"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

// End-to-end reconciliation over a real MySQL and Redis. Covers the upload
// path: first ingestion, idempotent re-ingestion, identity resolution
// convergence, unmatched entries adopted by a late order, the conflict
// guard, and matched-only aggregation.
func TestCSVSyncScenario(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "qms_test")
	t.Setenv("STORAGE_PROVIDER", utils.StorageProviderLocal)
	t.Setenv("LOCAL_STORAGE_DIR", t.TempDir())

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetActorIdInContext(ctx, 1)
	ctx = utils.SetActorNameInContext(ctx, "Test Operator")

	runCSV := func(csvData string) *RunSummary {
		t.Helper()
		objectKey, err := utils.PutBytes(ctx, "ordersync/uploads", ".csv", "text/csv", []byte(csvData))
		if err != nil {
			t.Fatalf("PutBytes: %v", err)
		}
		summary, err := Run(ctx, models.SourceCSV, models.SyncTriggeredUpload,
			RunWindow{FileRef: objectKey, FileName: "orders.csv"})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return summary
	}

	header := "Order Number,SKU,Lot,Quantity,Customer,Address,City,State,Zip\n"

	// First ingestion: two lines of one order plus one line of another.
	summary := runCSV(header +
		"SO-1,VX100,L1,10,Acme Medical Inc,120 Main St,Denver,CO,80201\n" +
		"SO-1,VX200,L2,4,Acme Medical Inc,120 Main St,Denver,CO,80201\n" +
		"SO-2,VX100,L3,6,Zenith Labs LLC,55 Pine Ave,Reno,NV,89501\n")

	if summary.Status != models.SyncRunStatusSuccess {
		t.Fatalf("status = %q, skips: %+v", summary.Status, summary.Skipped)
	}
	if summary.RecordsSeen != 3 || summary.Succeeded != 3 {
		t.Fatalf("seen/succeeded = %d/%d", summary.RecordsSeen, summary.Succeeded)
	}

	orders, _ := models.CountSalesOrders(ctx)
	entries, _ := models.CountDistributionEntries(ctx)
	if orders != 2 || entries != 3 {
		t.Fatalf("orders/entries = %d/%d, want 2/3", orders, entries)
	}
	customers, err := models.ListCustomers(ctx, 10)
	if err != nil || len(customers) != 2 {
		t.Fatalf("customers = %d (%v), want 2", len(customers), err)
	}

	// Re-ingesting the same file must not create anything.
	summary = runCSV(header +
		"SO-1,VX100,L1,10,Acme Medical Inc,120 Main St,Denver,CO,80201\n" +
		"SO-1,VX200,L2,4,Acme Medical Inc,120 Main St,Denver,CO,80201\n" +
		"SO-2,VX100,L3,6,Zenith Labs LLC,55 Pine Ave,Reno,NV,89501\n")
	if summary.Status != models.SyncRunStatusPartial {
		t.Fatalf("re-run status = %q", summary.Status)
	}
	if summary.Succeeded != 0 || len(summary.Skipped) != 3 {
		t.Fatalf("re-run succeeded/skipped = %d/%d", summary.Succeeded, len(summary.Skipped))
	}
	for _, skip := range summary.Skipped {
		if skip.Reason != models.SkipDuplicateExternalKey {
			t.Errorf("re-run skip reason = %q", skip.Reason)
		}
	}
	if orders2, _ := models.CountSalesOrders(ctx); orders2 != orders {
		t.Errorf("re-run created orders: %d -> %d", orders, orders2)
	}
	if entries2, _ := models.CountDistributionEntries(ctx); entries2 != entries {
		t.Errorf("re-run created entries: %d -> %d", entries, entries2)
	}

	// Name variants of an existing customer converge instead of creating
	// a duplicate: exact key, stripped suffix, and prefix plus address.
	summary = runCSV(header +
		"SO-3,VX100,L4,2,ACME MEDICAL,120 Main St,Denver,CO,80201\n" +
		"SO-4,VX100,L5,3,Acme,120 Main St,Denver,CO,80201\n")
	if summary.Status != models.SyncRunStatusSuccess {
		t.Fatalf("variant run status = %q, skips: %+v", summary.Status, summary.Skipped)
	}
	customers, _ = models.ListCustomers(ctx, 10)
	if len(customers) != 2 {
		names := make([]string, 0, len(customers))
		for _, c := range customers {
			names = append(names, c.DisplayName)
		}
		t.Fatalf("customers = %v, variants must not create new ones", names)
	}

	// A record naming a different company for an existing order is a
	// conflict; the order keeps its customer.
	summary = runCSV(header +
		"SO-1,VX300,L6,1,Zenith Labs LLC,55 Pine Ave,Reno,NV,89501\n")
	if len(summary.Skipped) != 1 || summary.Skipped[0].Reason != models.SkipCustomerConflict {
		t.Fatalf("conflict run skips = %+v", summary.Skipped)
	}

	// A row with no customer identity still lands its entry, unmatched.
	summary = runCSV("Order Number,SKU,Lot,Quantity\nSO-9,VX900,L9,5\n")
	if len(summary.Skipped) != 1 || summary.Skipped[0].Reason != models.SkipIdentityMissing {
		t.Fatalf("identity-missing skips = %+v", summary.Skipped)
	}
	unmatched, err := models.ListUnmatchedEntries(ctx, 10)
	if err != nil || len(unmatched) != 1 {
		t.Fatalf("unmatched = %d (%v), want 1", len(unmatched), err)
	}
	if unmatched[0].ExternalKey != "SO-9:VX900:L9" {
		t.Errorf("unmatched key = %q", unmatched[0].ExternalKey)
	}

	// Unmatched entries are invisible to aggregates.
	bySku, err := models.MatchedQuantityBySku(ctx, nil, nil)
	if err != nil {
		t.Fatalf("MatchedQuantityBySku: %v", err)
	}
	for _, row := range bySku {
		if row.Sku == "VX900" {
			t.Errorf("unmatched sku leaked into aggregate: %+v", row)
		}
	}

	// The order arriving later adopts the unmatched entry.
	summary = runCSV(header +
		"SO-9,VX900,L9,5,Acme Medical Inc,120 Main St,Denver,CO,80201\n")
	if summary.Status != models.SyncRunStatusSuccess {
		t.Fatalf("late-order run status = %q, skips: %+v", summary.Status, summary.Skipped)
	}
	unmatched, _ = models.ListUnmatchedEntries(ctx, 10)
	if len(unmatched) != 0 {
		t.Fatalf("entry not relinked: %+v", unmatched)
	}

	// A reference-keyed row with no order number and no identity lands its
	// entry unmatched. The relink sweep matches on order number, so this
	// entry can only be adopted through re-ingestion of the same reference.
	summary = runCSV("Reference,SKU,Lot,Quantity\nREF-77,VX700,L7,3\n")
	if len(summary.Skipped) != 1 || summary.Skipped[0].Reason != models.SkipIdentityMissing {
		t.Fatalf("reference-row skips = %+v", summary.Skipped)
	}
	unmatched, _ = models.ListUnmatchedEntries(ctx, 10)
	if len(unmatched) != 1 {
		t.Fatalf("unmatched after reference row = %d, want 1", len(unmatched))
	}

	// The same reference arriving with identity creates the order and
	// back-fills the existing entry's linkage.
	summary = runCSV("Reference,SKU,Lot,Quantity,Customer,Address,City,State,Zip\n" +
		"REF-77,VX700,L7,3,Acme Medical Inc,120 Main St,Denver,CO,80201\n")
	if summary.Status != models.SyncRunStatusSuccess {
		t.Fatalf("reference re-ingest status = %q, skips: %+v", summary.Status, summary.Skipped)
	}
	unmatched, _ = models.ListUnmatchedEntries(ctx, 10)
	if len(unmatched) != 0 {
		t.Fatalf("reference entry not back-filled: %+v", unmatched)
	}
	bySku, err = models.MatchedQuantityBySku(ctx, nil, nil)
	if err != nil {
		t.Fatalf("MatchedQuantityBySku: %v", err)
	}
	backfilled := false
	for _, row := range bySku {
		if row.Sku == "VX700" && row.Quantity == 3 {
			backfilled = true
		}
	}
	if !backfilled {
		t.Errorf("back-filled entry missing from aggregate: %+v", bySku)
	}

	// Run history remains queryable with per-record skips attached.
	runs, err := models.ListSyncRuns(ctx, models.SourceCSV, 20)
	if err != nil || len(runs) < 5 {
		t.Fatalf("runs = %d (%v)", len(runs), err)
	}
	for _, run := range runs {
		if run.Status == models.SyncRunStatusQueued || run.Status == models.SyncRunStatusRunning {
			t.Errorf("run %d left in %q", run.ID, run.Status)
		}
	}
}

func TestCustomerMergeScenario(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })
	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "qms_test")
	t.Setenv("STORAGE_PROVIDER", utils.StorageProviderLocal)
	t.Setenv("LOCAL_STORAGE_DIR", t.TempDir())

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetActorIdInContext(ctx, 1)
	ctx = utils.SetActorNameInContext(ctx, "Test Operator")

	// Two distinct company names produce two customers the canonicalizer
	// must not merge on its own.
	objectKey, err := utils.PutBytes(ctx, "ordersync/uploads", ".csv", "text/csv", []byte(
		"Order Number,SKU,Lot,Quantity,Customer,City,State,Zip\n"+
			"SO-20,VX100,L1,5,Summit Health Partners,Boise,ID,83701\n"+
			"SO-21,VX100,L2,7,SHP Distribution,Boise,ID,83702\n"))
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	if _, err := Run(ctx, models.SourceCSV, models.SyncTriggeredUpload,
		RunWindow{FileRef: objectKey, FileName: "orders.csv"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	customers, err := models.ListCustomers(ctx, 10)
	if err != nil || len(customers) != 2 {
		t.Fatalf("customers = %d (%v), want 2", len(customers), err)
	}

	survivor, duplicate := customers[0], customers[1]
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&models.Customer{}).
		Where("id = ?", survivor.ID).Update("notes", "prefers email contact").Error; err != nil {
		t.Fatalf("set survivor notes: %v", err)
	}
	if err := db.WithContext(ctx).Model(&models.Customer{}).
		Where("id = ?", duplicate.ID).Update("notes", "net-60 payment terms").Error; err != nil {
		t.Fatalf("set duplicate notes: %v", err)
	}

	merged, err := models.MergeCustomers(ctx, survivor.ID, duplicate.ID)
	if err != nil {
		t.Fatalf("MergeCustomers: %v", err)
	}
	if merged.ID != survivor.ID {
		t.Errorf("merged id = %d, want survivor %d", merged.ID, survivor.ID)
	}

	customers, _ = models.ListCustomers(ctx, 10)
	if len(customers) != 1 {
		t.Fatalf("customers after merge = %d", len(customers))
	}

	// The duplicate's notes follow it into the survivor.
	reloaded, err := models.GetCustomer(ctx, survivor.ID)
	if err != nil {
		t.Fatalf("GetCustomer: %v", err)
	}
	if !strings.Contains(reloaded.Notes, "prefers email contact") ||
		!strings.Contains(reloaded.Notes, "net-60 payment terms") {
		t.Errorf("merged notes = %q, want both customers' notes", reloaded.Notes)
	}

	// Both orders' quantities now roll up under the survivor.
	total, err := models.MatchedQuantityForCustomer(ctx, survivor.ID)
	if err != nil {
		t.Fatalf("MatchedQuantityForCustomer: %v", err)
	}
	if total != 12 {
		t.Errorf("survivor matched quantity = %d, want 12", total)
	}

	history, err := models.ListHistory(ctx, "customer", survivor.ID, 10)
	if err != nil || len(history) == 0 {
		t.Errorf("merge should leave an audit trail, got %d (%v)", len(history), err)
	}
}

// A transaction that loses the customer-creation race must resolve to the
// winner's row. The losing transaction's snapshot predates the winner's
// commit, so only the locking re-query can see it.
func TestCustomerCreateRaceSeesWinner(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })
	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "qms_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	identity := CustomerIdentity{
		Name:     "Cascade Biologics Inc",
		Address1: "900 River Rd",
		City:     "Salem",
		State:    "OR",
		Zip:      "97301",
	}
	companyKey := CanonicalCompanyKey(identity.Name)

	tx := config.GetDB().WithContext(ctx).Begin()
	if tx.Error != nil {
		t.Fatalf("begin: %v", tx.Error)
	}
	defer tx.Rollback()

	// First read pins the transaction's snapshot, as reconciliation's
	// order lookup would.
	if got, err := models.GetCustomerByCompanyKey(tx, companyKey); err != nil || got != nil {
		t.Fatalf("pre-race lookup = %+v (%v), want none", got, err)
	}

	// The competing transaction commits the customer first.
	winner := &models.Customer{CompanyKey: companyKey, DisplayName: "Cascade Biologics Inc"}
	if err := config.GetDB().WithContext(ctx).Create(winner).Error; err != nil {
		t.Fatalf("competing create: %v", err)
	}

	customer, created, err := resolveCustomer(ctx, tx, identity)
	if err != nil {
		t.Fatalf("resolveCustomer after losing the race: %v", err)
	}
	if created {
		t.Error("loser reported itself as creator")
	}
	if customer == nil || customer.ID != winner.ID {
		t.Errorf("resolved customer = %+v, want winner id %d", customer, winner.ID)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("qms-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("qms-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=qms_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
