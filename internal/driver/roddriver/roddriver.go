// Package roddriver implements the driver interfaces on top of go-rod.
package roddriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/v0xg/flowcheck/internal/driver"
)

// Driver launches Chrome/Chromium through the rod launcher.
type Driver struct{}

// New returns a rod-backed driver.
func New() *Driver {
	return &Driver{}
}

var _ driver.Driver = (*Driver)(nil)

// Launch starts a browser process and connects to it.
func (d *Driver) Launch(ctx context.Context, opts driver.LaunchOptions) (driver.Browser, error) {
	bin := opts.Bin
	if bin == "" {
		if path, ok := launcher.LookPath(); ok {
			bin = path
		}
	}

	width, height := opts.Width, opts.Height
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}

	l := launcher.New().
		Context(ctx).
		Headless(opts.Headless).
		Set(flags.Flag("window-size"), strconv.Itoa(width)+","+strconv.Itoa(height)).
		Set(flags.Flag("disable-dev-shm-usage"))
	if bin != "" {
		l = l.Bin(bin)
	}
	if opts.ProfileDir != "" {
		l = l.UserDataDir(opts.ProfileDir)
	}

	u, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, fmt.Errorf("%w: %v", driver.ErrLaunch, err)
	}

	// The browser keeps a background context so Close still works after a
	// run deadline expired; per-call contexts are applied on pages.
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("%w: connect: %v", driver.ErrLaunch, err)
	}

	return &Browser{browser: b, launcher: l, width: width, height: height}, nil
}

// Browser wraps a rod browser and its launcher process.
type Browser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	width    int
	height   int
}

// NewContext creates an incognito browser context.
func (b *Browser) NewContext(ctx context.Context, defaultTimeout time.Duration) (driver.BrowserContext, error) {
	incognito, err := b.browser.Incognito()
	if err != nil {
		return nil, translate(err)
	}
	return &Context{browser: incognito, timeout: defaultTimeout, width: b.width, height: b.height}, nil
}

// Close closes the browser and kills the launcher process.
func (b *Browser) Close() error {
	err := b.browser.Close()
	b.launcher.Kill()
	b.launcher.Cleanup()
	return err
}

// Context is an incognito browser context.
type Context struct {
	browser *rod.Browser
	timeout time.Duration
	width   int
	height  int

	mu    sync.Mutex
	pages []*Page
}

// NewPage opens a blank tab sized to the launch viewport.
func (c *Context) NewPage(ctx context.Context) (driver.Page, error) {
	p, err := c.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, translate(err)
	}
	p = p.Context(context.Background())

	err = p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             c.width,
		Height:            c.height,
		DeviceScaleFactor: 1,
	})
	if err != nil {
		_ = p.Close()
		return nil, translate(err)
	}

	page := &Page{page: p, timeout: c.timeout, owner: c}
	c.mu.Lock()
	c.pages = append(c.pages, page)
	c.mu.Unlock()
	return page, nil
}

// Pages lists the open pages of the context, most recently opened last.
// Tabs the page opened itself, through target=_blank or window.open, are
// included. When targets cannot be listed the known pages are returned.
func (c *Context) Pages() []driver.Page {
	res, err := proto.TargetGetTargets{}.Call(c.browser)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		var live []proto.TargetTargetID
		for _, info := range res.TargetInfos {
			if info.Type == proto.TargetTargetInfoTypePage && info.BrowserContextID == c.browser.BrowserContextID {
				live = append(live, info.TargetID)
			}
		}
		c.pages = reconcile(c.pages, live, c.adopt)
	}

	out := make([]driver.Page, 0, len(c.pages))
	for _, p := range c.pages {
		out = append(out, p)
	}
	return out
}

// adopt wraps a tab the context did not open.
func (c *Context) adopt(id proto.TargetTargetID) *Page {
	p, err := c.browser.PageFromTarget(id)
	if err != nil {
		return nil
	}
	return &Page{page: p.Context(context.Background()), timeout: c.timeout, owner: c}
}

// reconcile keeps known pages still alive, in order, and appends live
// targets not seen before. adopt may return nil to skip a target.
func reconcile(known []*Page, live []proto.TargetTargetID, adopt func(proto.TargetTargetID) *Page) []*Page {
	alive := make(map[proto.TargetTargetID]bool, len(live))
	for _, id := range live {
		alive[id] = true
	}
	out := make([]*Page, 0, len(live))
	seen := make(map[proto.TargetTargetID]bool, len(known))
	for _, p := range known {
		if alive[p.page.TargetID] {
			out = append(out, p)
			seen[p.page.TargetID] = true
		}
	}
	for _, id := range live {
		if seen[id] {
			continue
		}
		if p := adopt(id); p != nil {
			out = append(out, p)
			seen[id] = true
		}
	}
	return out
}

// Close disposes the incognito context and all of its pages.
func (c *Context) Close() error {
	c.mu.Lock()
	c.pages = nil
	c.mu.Unlock()
	return translate(c.browser.Close())
}

func (c *Context) remove(p *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.pages {
		if existing == p {
			c.pages = append(c.pages[:i], c.pages[i+1:]...)
			return
		}
	}
}

// Page wraps a rod page.
type Page struct {
	page    *rod.Page
	timeout time.Duration
	owner   *Context
}

// bind applies ctx and, when ctx has no deadline, the context default timeout.
func (p *Page) bind(ctx context.Context) *rod.Page {
	page := p.page.Context(ctx)
	if _, ok := ctx.Deadline(); !ok && p.timeout > 0 {
		page = page.Timeout(p.timeout)
	}
	return page
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	// rod returns once Page.navigate is acknowledged, which is the commit point.
	return translate(p.bind(ctx).Navigate(url))
}

func (p *Page) WaitLoadState(ctx context.Context, state driver.LoadState) error {
	page := p.bind(ctx)
	switch state {
	case driver.LoadStateNetworkIdle:
		wait := page.WaitRequestIdle(500*time.Millisecond, nil, nil, nil)
		wait()
		return translate(ctx.Err())
	case driver.LoadStateLoad:
		return translate(page.WaitLoad())
	default:
		return p.waitReadyState(ctx, page)
	}
}

// readyStateJS reports "loading" while the document or any same-origin
// iframe document is still being parsed.
const readyStateJS = `() => {
	const docs = [document];
	for (const frame of document.querySelectorAll('iframe')) {
		try {
			if (frame.contentDocument) docs.push(frame.contentDocument);
		} catch (e) {}
	}
	return docs.some(d => d.readyState === 'loading') ? 'loading' : 'interactive';
}`

// waitReadyState polls the ready state of the page and its frames until the
// DOM is parsed.
func (p *Page) waitReadyState(ctx context.Context, page *rod.Page) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		res, err := page.Eval(readyStateJS)
		if err == nil && res.Value.Str() != "loading" {
			return nil
		}
		if err != nil && isDisconnect(err) {
			return driver.ErrDisconnected
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Page) Query(ctx context.Context, sel driver.Selector) (driver.Element, error) {
	page := p.bind(ctx)

	var (
		els rod.Elements
		err error
	)
	switch sel.Kind {
	case driver.SelectorXPath:
		els, err = page.ElementsX(sel.XPath())
	case driver.SelectorText:
		els, err = page.ElementsX(driver.TextXPath(sel.Expr))
	default:
		els, err = page.Elements(sel.Expr)
	}
	if err != nil {
		return nil, translate(err)
	}

	for _, el := range els {
		visible, err := el.Visible()
		if err != nil {
			if isDisconnect(err) {
				return nil, driver.ErrDisconnected
			}
			continue
		}
		if visible {
			return &Element{el: el}, nil
		}
	}
	return nil, driver.ErrNoMatch
}

func (p *Page) TextVisible(ctx context.Context, text string) (bool, error) {
	_, err := p.Query(ctx, driver.Selector{Kind: driver.SelectorText, Expr: text})
	if errors.Is(err, driver.ErrNoMatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	info, err := p.bind(ctx).Info()
	if err != nil {
		return "", translate(err)
	}
	return info.URL, nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	info, err := p.bind(ctx).Info()
	if err != nil {
		return "", translate(err)
	}
	return info.Title, nil
}

func (p *Page) VisibleText(ctx context.Context) (string, error) {
	res, err := p.bind(ctx).Eval(`() => document.body ? document.body.innerText : ''`)
	if err != nil {
		return "", translate(err)
	}
	return res.Value.Str(), nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := p.bind(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

func (p *Page) Eval(ctx context.Context, js string, out any) error {
	res, err := p.bind(ctx).Eval(js)
	if err != nil {
		return translate(err)
	}
	if out == nil {
		return nil
	}
	data, err := res.Value.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (p *Page) Close() error {
	p.owner.remove(p)
	return translate(p.page.Close())
}

// Element wraps a rod element.
type Element struct {
	el *rod.Element
}

// Fill replaces the element's value.
func (e *Element) Fill(ctx context.Context, text string) error {
	el := e.el.Context(ctx)
	if err := el.SelectAllText(); err != nil {
		return translate(err)
	}
	return translate(el.Input(text))
}

func (e *Element) Click(ctx context.Context) error {
	return translate(e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1))
}

func (e *Element) Describe(ctx context.Context) (string, error) {
	node, err := e.el.Context(ctx).Describe(0, false)
	if err != nil {
		return "", translate(err)
	}
	desc := node.LocalName
	for i := 0; i+1 < len(node.Attributes); i += 2 {
		if node.Attributes[i] == "class" && node.Attributes[i+1] != "" {
			desc += "." + strings.Join(strings.Fields(node.Attributes[i+1]), ".")
		}
	}
	return desc, nil
}

func (e *Element) Center(ctx context.Context) (int, int, error) {
	box, err := e.el.Context(ctx).Shape()
	if err != nil {
		return 0, 0, translate(err)
	}
	if len(box.Quads) == 0 {
		return 0, 0, fmt.Errorf("element has no shape")
	}

	quad := box.Quads[0]
	x := int((quad[0] + quad[2] + quad[4] + quad[6]) / 4)
	y := int((quad[1] + quad[3] + quad[5] + quad[7]) / 4)
	return x, y, nil
}

// translate maps rod transport failures onto driver.ErrDisconnected.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if isDisconnect(err) {
		return fmt.Errorf("%w: %v", driver.ErrDisconnected, err)
	}
	return err
}

func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close") ||
		strings.Contains(msg, "connection reset by peer")
}
