package netLayer

import (
	"os"
	"testing"

	"github.com/5l1v3r1/ssf/utils"
)

func TestMain(m *testing.M) {
	utils.InitLog()
	os.Exit(m.Run())
}
