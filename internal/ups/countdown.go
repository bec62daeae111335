package ups

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

var theme = progressbar.Theme{
	Saucer:        "=",
	SaucerHead:    ">",
	SaucerPadding: " ",
	BarStart:      "[",
	BarEnd:        "]",
}

// countdownBar waits the grace period one second at a time, rendering a
// progress bar on stderr. Cancelling the context stops the wait early.
func countdownBar(ctx context.Context, seconds int, desc string) {
	if seconds <= 0 {
		return
	}

	bar := progressbar.NewOptions(seconds,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionShowCount(),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetTheme(theme),
	)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 0; i < seconds; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bar.Add(1)
		}
	}
}
