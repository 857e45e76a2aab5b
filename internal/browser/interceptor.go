package browser

import (
	"fmt"

	"github.com/go-rod/rod"
)

// linkInterceptorJS makes anchor clicks navigate the current window instead of opening
// a new one. It listens in the bubbling phase so the page's own handlers run first.
// The guard keeps repeated installs from stacking listeners.
const linkInterceptorJS = `() => {
	if (window.__chatkeeperLinks) return;
	window.__chatkeeperLinks = true;
	document.addEventListener('click', (event) => {
		const link = event.target && event.target.closest ? event.target.closest('a') : null;
		if (!link || !link.href) return;
		event.preventDefault();
		window.location.href = link.href;
	}, false);
}`

// InstallLinkInterceptor installs the interceptor on the current document and on every
// document the page loads afterwards.
func InstallLinkInterceptor(page *rod.Page) error {
	if _, err := page.EvalOnNewDocument("(" + linkInterceptorJS + ")()"); err != nil {
		return fmt.Errorf("register interceptor: %w", err)
	}
	if _, err := page.Eval(linkInterceptorJS); err != nil {
		return fmt.Errorf("install interceptor: %w", err)
	}
	return nil
}
