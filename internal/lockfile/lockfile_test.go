package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireLockRecordsOwner(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	lock, err := AcquireLock(dir, "serve")
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	owner, err := ReadOwner(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("ReadOwner failed: %v", err)
	}
	if owner.PID != os.Getpid() || owner.Command != "serve" {
		t.Errorf("unexpected owner: %+v", owner)
	}
	if owner.StartedAt.IsZero() {
		t.Error("start time not recorded")
	}
}

func TestSecondLockFails(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "serve")
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	second, err := AcquireLock(dir, "serve")
	if err == nil {
		second.Release()
		t.Fatal("second AcquireLock should fail while the first is held")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lockErr.Owner.PID != os.Getpid() {
		t.Errorf("LockError owner = %+v", lockErr.Owner)
	}
	if !strings.Contains(err.Error(), "another LeadPipe instance") || !strings.Contains(err.Error(), lockErr.Path) {
		t.Errorf("unhelpful error message: %s", err)
	}

	// The losing attempt must not clobber the owner's details.
	owner, _ := ReadOwner(lock.Path())
	if owner.PID != os.Getpid() || owner.Command != "serve" {
		t.Errorf("owner details lost: %+v", owner)
	}
}

func TestReleaseRemovesFileAndAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "serve")
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op: %v", err)
	}

	again, err := AcquireLock(dir, "nurture")
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	again.Release()
}

func TestOwnerStringForUnknownProcess(t *testing.T) {
	if got := (Owner{}).String(); got != "unknown process" {
		t.Errorf("String() = %q", got)
	}
}
