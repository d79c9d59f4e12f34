package crawler

import (
	"context"
	"fmt"
	"time"

	"github.com/v0xg/flowcheck/internal/driver"
)

// Options configures the crawler behavior
type Options struct {
	// Timeout bounds the whole crawl
	Timeout time.Duration
	// HydrationTimeout bounds the wait for interactive elements on SPAs
	HydrationTimeout time.Duration
	PollInterval     time.Duration
}

// DefaultOptions returns the crawler defaults.
func DefaultOptions() Options {
	return Options{Timeout: 30 * time.Second, HydrationTimeout: 5 * time.Second, PollInterval: 200 * time.Millisecond}
}

// Crawl navigates page to url and extracts its structure
func Crawl(ctx context.Context, page driver.Page, url string, opts Options) (*PageMap, error) {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.HydrationTimeout <= 0 {
		opts.HydrationTimeout = def.HydrationTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	if err := page.Navigate(ctx, url); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	// Best effort: SPAs often never reach a quiet load state
	_ = page.WaitLoadState(ctx, driver.LoadStateDOMContentLoaded)
	return Extract(ctx, page, opts)
}

// Extract reads the structure of the page in its current state
func Extract(ctx context.Context, page driver.Page, opts Options) (*PageMap, error) {
	var isSPA bool
	if err := page.Eval(ctx, spaScript, &isSPA); err != nil {
		return nil, fmt.Errorf("detect SPA: %w", err)
	}
	if isSPA {
		// Next.js/React apps need time to download bundles and hydrate
		waitForInteractiveElements(ctx, page, opts.HydrationTimeout, opts.PollInterval)
	}

	pm := &PageMap{IsSPA: isSPA}
	var err error
	if pm.URL, err = page.URL(ctx); err != nil {
		return nil, fmt.Errorf("read url: %w", err)
	}
	if pm.Title, err = page.Title(ctx); err != nil {
		return nil, fmt.Errorf("read title: %w", err)
	}
	if err := page.Eval(ctx, elementsScript, &pm.Elements); err != nil {
		return nil, fmt.Errorf("extract elements: %w", err)
	}
	if err := page.Eval(ctx, navigationScript, &pm.Navigation); err != nil {
		return nil, fmt.Errorf("extract navigation: %w", err)
	}
	return pm, nil
}

// waitForInteractiveElements polls until interactive elements appear or timeout
func waitForInteractiveElements(ctx context.Context, page driver.Page, timeout, interval time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var count int
		if err := page.Eval(ctx, countScript, &count); err == nil && count > 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

const spaScript = `() => {
	if (window.__REACT_DEVTOOLS_GLOBAL_HOOK__ || document.querySelector('[data-reactroot]') || document.querySelector('#__next')) return true;
	if (window.__VUE__ || document.querySelector('[data-v-app]')) return true;
	if (window.ng || document.querySelector('[ng-version]') || document.querySelector('app-root')) return true;
	if (document.querySelector('[class*="svelte-"]')) return true;
	return false;
}`

const countScript = `() => {
	let visible = 0;
	document.querySelectorAll('button, [role="button"], input:not([type="hidden"]), textarea, a[href]').forEach(el => {
		if (el.offsetParent) visible++;
	});
	return visible;
}`

// elementsScript emits, per visible interactive element, candidates from
// the most stable (id, name, test id) to the most brittle (absolute XPath).
const elementsScript = `() => {
	const elements = [];
	const seen = new Set();

	function isValidIdent(s) {
		if (!s) return false;
		if (/^-?[0-9]/.test(s)) return false;
		return !/[.:#\[\]()>~+*\/\\\s]/.test(s);
	}
	function quote(s) {
		return '"' + s.replace(/"/g, '\\"') + '"';
	}
	function absoluteXPath(el) {
		const parts = [];
		for (; el && el.nodeType === 1; el = el.parentElement) {
			const tag = el.tagName.toLowerCase();
			const same = el.parentElement ? Array.from(el.parentElement.children).filter(c => c.tagName === el.tagName) : [];
			parts.unshift(same.length > 1 ? tag + '[' + (same.indexOf(el) + 1) + ']' : tag);
		}
		return '/' + parts.join('/');
	}
	function candidates(el, text) {
		const tag = el.tagName.toLowerCase();
		const out = [];
		if (el.id && isValidIdent(el.id)) out.push('css=#' + el.id);
		const testid = el.getAttribute('data-testid');
		if (testid) out.push('css=' + tag + '[data-testid=' + quote(testid) + ']');
		if (el.name) out.push('css=' + tag + '[name=' + quote(el.name) + ']');
		if (el.type && tag === 'input' && !el.name && !el.id) out.push('css=input[type=' + quote(el.type) + ']');
		if (text && text.length <= 40 && !/\n/.test(text)) out.push('text=' + text);
		out.push('xpath=' + absoluteXPath(el));
		return out;
	}
	function add(el, type, extra) {
		if (!el.offsetParent) return;
		const xpath = absoluteXPath(el);
		if (seen.has(xpath)) return;
		seen.add(xpath);
		const text = (extra.text || '').trim().slice(0, 50);
		elements.push(Object.assign({
			candidates: candidates(el, text),
			type: type,
			id: el.id || undefined,
			name: el.name || undefined
		}, extra, { text: text || undefined }));
	}

	document.querySelectorAll('button, [role="button"], input[type="submit"], input[type="button"]').forEach(el => {
		add(el, 'button', { text: el.textContent || el.value || '' });
	});
	document.querySelectorAll('input:not([type="hidden"]):not([type="submit"]):not([type="button"]), textarea').forEach(el => {
		add(el, el.type || 'text', { placeholder: el.placeholder || undefined });
	});
	document.querySelectorAll('a[href]').forEach(el => {
		const href = el.getAttribute('href');
		if (href.startsWith('#') || href.startsWith('javascript:')) return;
		add(el, 'link', { text: el.textContent || '' });
	});
	document.querySelectorAll('select').forEach(el => add(el, 'select', {}));
	return elements;
}`

const navigationScript = `() => {
	const navItems = [];
	const seen = new Set();
	document.querySelectorAll('nav a, header a, [role="navigation"] a').forEach(el => {
		if (!el.offsetParent) return;
		const href = el.getAttribute('href');
		if (!href || href === '#' || href.startsWith('javascript:')) return;
		if (seen.has(href)) return;
		seen.add(href);
		navItems.push({
			selector: el.id ? 'css=#' + el.id : 'css=a[href="' + href + '"]',
			text: (el.textContent || '').trim().slice(0, 30),
			href: href
		});
	});
	return navItems;
}`
