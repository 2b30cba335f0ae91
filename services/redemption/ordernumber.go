package redemption

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	orderRandMu sync.Mutex
	orderRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// generateOrderNo - RD{YYYYMMDDHHMMSS}{6 digit random}
func generateOrderNo() string {
	orderRandMu.Lock()
	n := orderRand.Intn(1000000)
	orderRandMu.Unlock()
	return fmt.Sprintf("RD%s%06d", time.Now().UTC().Format("20060102150405"), n)
}
