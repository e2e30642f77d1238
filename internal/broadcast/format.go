package broadcast

import (
	"fmt"
	"strings"
)

const partiallySentText = "An error occurred while saving the broadcast. It may have been partially sent."

// etaSeconds assumes a steady rate sends per second.
func etaSeconds(remaining, rate int) int {
	if remaining <= 0 || rate <= 0 {
		return 0
	}
	return (remaining + rate - 1) / rate
}

func statusText(processed, total, success, failed, eta int) string {
	var b strings.Builder
	b.WriteString("Sending broadcast...\n\n")
	fmt.Fprintf(&b, "Progress: %d/%d\n", processed, total)
	fmt.Fprintf(&b, "Sent: %d\n", success)
	fmt.Fprintf(&b, "Failed: %d\n", failed)
	fmt.Fprintf(&b, "Time left: ~%ds", eta)
	return b.String()
}

func summaryText(o Outcome) string {
	var b strings.Builder
	if o.Failed > 0 {
		b.WriteString("Broadcast finished with errors.\n\n")
	} else {
		b.WriteString("Broadcast sent successfully.\n\n")
	}
	fmt.Fprintf(&b, "Total: %d\n", o.Total)
	fmt.Fprintf(&b, "Sent: %d\n", o.Success)
	fmt.Fprintf(&b, "Failed: %d", o.Failed)
	if o.Failed > 0 && o.Success == 0 {
		b.WriteString("\n\nNothing was delivered, so no activity was recorded.")
	}
	return b.String()
}
