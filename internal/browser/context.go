// internal/browser/context.go
package browser

import (
	"context"
)

// CombineContext derives a context from ctx1 that is also cancelled when ctx2
// is. Values come from ctx1 only, which for chromedp means the tab's CDP
// target, while ctx2 usually carries the caller's deadline.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(ctx1)
	stop := context.AfterFunc(ctx2, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}
