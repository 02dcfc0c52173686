package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordLogger struct {
	records [][]interface{}
}

func (r *recordLogger) Log(keyvals ...interface{}) error {
	r.records = append(r.records, keyvals)
	return nil
}

func TestLeveled(t *testing.T) {
	rec := &recordLogger{}
	l := leveled{rec}

	l.debug("client connected", "fd", 5)
	l.error("console closed")

	assert.Equal(t, [][]interface{}{
		{"level", "debug", "msg", "client connected", "fd", 5},
		{"level", "error", "msg", "console closed"},
	}, rec.records)
}
