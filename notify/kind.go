// Package notify implements the pull-model subscription and event engine:
// clients create subscriptions scoped to the system, a printer or a job,
// events accumulate in bounded per-subscription rings, and Get-Notifications
// style long-polls block until something arrives.
package notify

import (
	"fmt"
	"strings"
)

// Kind is a bitset of notify-events keywords.
type Kind uint32

const (
	DocumentCompleted Kind = 1 << iota
	DocumentConfigChanged
	DocumentCreated
	DocumentStateChanged
	JobCompleted
	JobConfigChanged
	JobCreated
	JobProgress
	JobStateChanged
	JobStopped
	PrinterConfigChanged
	PrinterCreated
	PrinterDeleted
	PrinterMediaChanged
	PrinterQueueOrderChanged
	PrinterRestarted
	PrinterShutdown
	PrinterStateChanged
	PrinterStopped
	SystemConfigChanged
	SystemRestarted
	SystemShutdown
	SystemStateChanged
	SystemStopped

	// KindNone matches nothing; KindAll is the "all" keyword.
	KindNone Kind = 0
	KindAll  Kind = 1<<24 - 1
)

var kindKeywords = []struct {
	kind    Kind
	keyword string
}{
	{DocumentCompleted, "document-completed"},
	{DocumentConfigChanged, "document-config-changed"},
	{DocumentCreated, "document-created"},
	{DocumentStateChanged, "document-state-changed"},
	{JobCompleted, "job-completed"},
	{JobConfigChanged, "job-config-changed"},
	{JobCreated, "job-created"},
	{JobProgress, "job-progress"},
	{JobStateChanged, "job-state-changed"},
	{JobStopped, "job-stopped"},
	{PrinterConfigChanged, "printer-config-changed"},
	{PrinterCreated, "printer-created"},
	{PrinterDeleted, "printer-deleted"},
	{PrinterMediaChanged, "printer-media-changed"},
	{PrinterQueueOrderChanged, "printer-queue-order-changed"},
	{PrinterRestarted, "printer-restarted"},
	{PrinterShutdown, "printer-shutdown"},
	{PrinterStateChanged, "printer-state-changed"},
	{PrinterStopped, "printer-stopped"},
	{SystemConfigChanged, "system-config-changed"},
	{SystemRestarted, "system-restarted"},
	{SystemShutdown, "system-shutdown"},
	{SystemStateChanged, "system-state-changed"},
	{SystemStopped, "system-stopped"},
}

// ParseKind maps one notify-events keyword to its bit.
func ParseKind(keyword string) (Kind, error) {
	if keyword == "all" {
		return KindAll, nil
	}
	for _, kk := range kindKeywords {
		if kk.keyword == keyword {
			return kk.kind, nil
		}
	}
	return KindNone, fmt.Errorf("notify: unknown event keyword %q", keyword)
}

// ParseKinds folds a notify-events keyword list into a bitset. Unknown
// keywords are an error so the creating operation can reject them.
func ParseKinds(keywords []string) (Kind, error) {
	var k Kind
	for _, kw := range keywords {
		bit, err := ParseKind(kw)
		if err != nil {
			return KindNone, err
		}
		k |= bit
	}
	return k, nil
}

// Keywords expands the bitset back to its keyword list.
func (k Kind) Keywords() []string {
	if k == KindAll {
		return []string{"all"}
	}
	var out []string
	for _, kk := range kindKeywords {
		if k&kk.kind != 0 {
			out = append(out, kk.keyword)
		}
	}
	return out
}

func (k Kind) String() string {
	if k == KindNone {
		return "none"
	}
	return strings.Join(k.Keywords(), ",")
}
