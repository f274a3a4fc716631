// Package testing switches the process into test mode when imported by a test binary.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("OHADA_TEST_MODE", "1")
		if os.Getenv("ARCHIVE_DIR") == "" {
			_ = os.Setenv("ARCHIVE_DIR", os.TempDir())
		}
		if os.Getenv("STORE") == "" {
			_ = os.Setenv("STORE", "memory")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
