package ippsrv

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/OpenPrinting/goipp"
	"github.com/rusq/osenv/v2"
)

// debugIPP enables request tracing; set PRINTKIT_DEBUG=1 or call
// SetDebug.
var debugIPP atomic.Bool

func init() {
	if v, err := strconv.ParseBool(osenv.Value("PRINTKIT_DEBUG", "false")); err == nil {
		debugIPP.Store(v)
	}
}

// SetDebug toggles IPP request tracing at runtime.
func SetDebug(on bool) { debugIPP.Store(on) }

func debugDumpRequest(msg *goipp.Message) {
	if !debugIPP.Load() {
		return
	}
	dumpIPP(os.Stderr, msg)
}

func dumpIPP(w io.Writer, msg *goipp.Message) {
	fm := goipp.NewFormatter()
	fm.FmtRequest(msg)
	if _, err := fm.WriteTo(w); err != nil {
		slog.Error("dumpIPP", "err", err)
	}
}
