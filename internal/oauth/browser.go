package oauth

import (
	"fmt"
	"io"

	"github.com/pkg/browser"
)

// OpenBrowser opens url in the default web browser. Output from the
// platform launcher is discarded so it does not mix with CLI output.
func OpenBrowser(url string) error {
	browser.Stdout = io.Discard
	browser.Stderr = io.Discard

	if err := browser.OpenURL(url); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}

	return nil
}
