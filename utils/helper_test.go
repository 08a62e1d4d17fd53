package utils

import (
	"context"
	"testing"
)

func TestIsValidEmail(t *testing.T) {
	valid := []string{"jane@acme.com", "j.doe+tag@sub.acme.co"}
	for _, e := range valid {
		if !IsValidEmail(e) {
			t.Errorf("%q should be valid", e)
		}
	}
	invalid := []string{"", "jane", "jane@", "@acme.com", "jane@acme"}
	for _, e := range invalid {
		if IsValidEmail(e) {
			t.Errorf("%q should be invalid", e)
		}
	}
}

func TestNormalizePhoneNumber(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"(303) 555-0142", "+13035550142"},
		{"303-555-0142", "+13035550142"},
		{"+1 303 555 0142", "+13035550142"},
		{"not a phone", "not a phone"},
		{"  ", ""},
	}
	for _, tc := range cases {
		if got := NormalizePhoneNumber(tc.in); got != tc.want {
			t.Errorf("NormalizePhoneNumber(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBlobStoreLocalRoundTrip(t *testing.T) {
	t.Setenv("STORAGE_PROVIDER", StorageProviderLocal)
	t.Setenv("LOCAL_STORAGE_DIR", t.TempDir())

	ctx := context.Background()
	data := []byte("col1,col2\na,b\n")
	key, err := PutBytes(ctx, "ordersync/uploads", ".csv", "text/csv", data)
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	got, err := GetBytes(ctx, key)
	if err != nil {
		t.Fatalf("GetBytes: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("round trip mismatch: %q", got)
	}

	if _, err := GetBytes(ctx, "ordersync/uploads/does-not-exist"); err == nil {
		t.Error("missing object should error")
	}
}

func TestEnvBoolDefault(t *testing.T) {
	t.Setenv("ORDERSYNC_TEST_FLAG", "yes")
	if !EnvBoolDefault("ORDERSYNC_TEST_FLAG", false) {
		t.Error("yes should be true")
	}
	t.Setenv("ORDERSYNC_TEST_FLAG", "off")
	if EnvBoolDefault("ORDERSYNC_TEST_FLAG", true) {
		t.Error("off should be false")
	}
	t.Setenv("ORDERSYNC_TEST_FLAG", "garbage")
	if !EnvBoolDefault("ORDERSYNC_TEST_FLAG", true) {
		t.Error("garbage should fall back to default")
	}
}
