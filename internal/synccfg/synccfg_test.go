package synccfg

import "testing"

func TestWithDefaultsFillsUnsetRetry(t *testing.T) {
	o := WithDefaults(Options{RemoteURL: "https://example.com/repo.git"})
	if o.Retry == nil || *o.Retry != DefaultRetry {
		t.Errorf("Retry = %v, want %d", o.Retry, DefaultRetry)
	}
}

func TestWithDefaultsPreservesExplicitZeroRetry(t *testing.T) {
	o := WithDefaults(Options{RemoteURL: "https://example.com/repo.git", Retry: Int(0)})
	if o.Retry == nil || *o.Retry != 0 {
		t.Errorf("Retry = %v, want explicit 0 preserved", o.Retry)
	}
}

func TestValidateRequiresRemoteURL(t *testing.T) {
	o := WithDefaults(Options{})
	if err := o.Validate(); err == nil {
		t.Fatal("expected error for missing RemoteURL")
	}
}

func TestValidateRejectsIntervalBelowMinimum(t *testing.T) {
	o := WithDefaults(Options{RemoteURL: "https://example.com/repo.git", Interval: 1})
	if err := o.Validate(); err == nil {
		t.Fatal("expected error for interval below MinimumSyncInterval")
	}
}

func TestValidateRejectsIntervalNotGreaterThanRetryInterval(t *testing.T) {
	o := WithDefaults(Options{
		RemoteURL: "https://example.com/repo.git",
		Interval:  MinimumSyncInterval,
	})
	o.RetryInterval = o.Interval
	if err := o.Validate(); err == nil {
		t.Fatal("expected error when interval <= retryInterval")
	}
}

func TestValidateRejectsPATAuthWithoutToken(t *testing.T) {
	o := WithDefaults(Options{
		RemoteURL:  "https://example.com/repo.git",
		Connection: Connection{Type: AuthPAT},
	})
	if err := o.Validate(); err == nil {
		t.Fatal("expected error for PAT auth missing a token")
	}
}
