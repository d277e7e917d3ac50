package clsproducer

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// genPackPrefix derives a 16 hex char prefix unique to this producer instance.
func genPackPrefix(topic string) string {
	seed := topic + "|" + strconv.Itoa(os.Getpid()) + "|" + strconv.FormatInt(time.Now().UnixNano(), 10)
	sum := blake3.Sum256([]byte(seed))
	return strings.ToUpper(hex.EncodeToString(sum[:8]))
}

func formatPackID(prefix string, index uint64) string {
	return fmt.Sprintf("%s-%X", prefix, index)
}
