// Package drivertest provides a scripted in-memory implementation of the
// driver interfaces. Pages are rendered by a RenderFunc on every navigation,
// so a test describes the application under test as a function of the URL.
package drivertest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/v0xg/flowcheck/internal/driver"
)

// RenderFunc populates a freshly navigated page.
type RenderFunc func(p *Page, rawURL string)

// Driver is a fake driver.Driver.
type Driver struct {
	Render RenderFunc
	// LaunchErr makes every Launch fail.
	LaunchErr error
	// EvalFunc answers Page.Eval calls.
	EvalFunc func(p *Page, js string) (any, error)

	mu       sync.Mutex
	crashed  bool
	hung     bool
	browsers int
	contexts int
	launches int
	closeLog []string
	pages    []*Page
}

// New returns a driver rendering pages with render.
func New(render RenderFunc) *Driver {
	return &Driver{Render: render}
}

var _ driver.Driver = (*Driver)(nil)

func (d *Driver) Launch(ctx context.Context, opts driver.LaunchOptions) (driver.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches++
	if d.LaunchErr != nil {
		return nil, fmt.Errorf("%w: %v", driver.ErrLaunch, d.LaunchErr)
	}
	d.browsers++
	return &Browser{d: d}, nil
}

// Crash makes every subsequent page operation fail with driver.ErrDisconnected.
func (d *Driver) Crash() {
	d.mu.Lock()
	d.crashed = true
	d.mu.Unlock()
}

// Hang makes every subsequent page operation block until its context is
// done, as a renderer stuck in a busy loop would.
func (d *Driver) Hang() {
	d.mu.Lock()
	d.hung = true
	d.mu.Unlock()
}

func (d *Driver) isHung() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hung
}

func (d *Driver) isCrashed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.crashed
}

// OpenBrowsers is the number of launched, unclosed browsers.
func (d *Driver) OpenBrowsers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.browsers
}

// OpenContexts is the number of created, unclosed contexts.
func (d *Driver) OpenContexts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contexts
}

// Launches counts Launch calls, successful or not.
func (d *Driver) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches
}

// CloseLog records "context" and "browser" in close order.
func (d *Driver) CloseLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.closeLog...)
}

// Pages lists every page ever opened, in order.
func (d *Driver) Pages() []*Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Page(nil), d.pages...)
}

// LastPage returns the most recently opened page.
func (d *Driver) LastPage() *Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pages) == 0 {
		return nil
	}
	return d.pages[len(d.pages)-1]
}

// Browser is a fake driver.Browser.
type Browser struct {
	d      *Driver
	closed bool
}

func (b *Browser) NewContext(ctx context.Context, defaultTimeout time.Duration) (driver.BrowserContext, error) {
	if b.d.isCrashed() {
		return nil, driver.ErrDisconnected
	}
	b.d.mu.Lock()
	b.d.contexts++
	b.d.mu.Unlock()
	return &Context{d: b.d}, nil
}

func (b *Browser) Close() error {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	if b.closed {
		return fmt.Errorf("browser already closed")
	}
	b.closed = true
	b.d.browsers--
	b.d.closeLog = append(b.d.closeLog, "browser")
	return nil
}

// Context is a fake driver.BrowserContext.
type Context struct {
	d      *Driver
	mu     sync.Mutex
	pages  []*Page
	closed bool
}

func (c *Context) NewPage(ctx context.Context) (driver.Page, error) {
	if c.d.isCrashed() {
		return nil, driver.ErrDisconnected
	}
	p := &Page{d: c.d, ctx: c, url: "about:blank"}
	c.mu.Lock()
	c.pages = append(c.pages, p)
	c.mu.Unlock()
	c.d.mu.Lock()
	c.d.pages = append(c.d.pages, p)
	c.d.mu.Unlock()
	return p, nil
}

func (c *Context) Pages() []driver.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]driver.Page, 0, len(c.pages))
	for _, p := range c.pages {
		out = append(out, p)
	}
	return out
}

func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("context already closed")
	}
	c.closed = true
	c.pages = nil
	c.mu.Unlock()

	c.d.mu.Lock()
	c.d.contexts--
	c.d.closeLog = append(c.d.closeLog, "context")
	c.d.mu.Unlock()
	return nil
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

// Node is a scripted DOM element.
type Node struct {
	// Key is the normalized selector (driver.Selector.String()) the node answers to.
	Key   string
	Tag   string
	Class string
	Text  string
	// VisibleAt delays visibility; zero means visible immediately.
	VisibleAt time.Time
	OnClick   func(p *Page)
	OnFill    func(p *Page, text string)

	page   *Page
	value  string
	clicks int
}

// Page is a fake driver.Page.
type Page struct {
	d   *Driver
	ctx *Context

	mu          sync.Mutex
	url         string
	title       string
	nodes       []*Node
	texts       map[string]time.Time
	readyAt     time.Time
	navigations []string
	closed      bool
}

var _ driver.Page = (*Page)(nil)

// Add attaches a visible node answering to the raw selector.
func (p *Page) Add(rawSelector, tag string) *Node {
	sel, err := driver.ParseSelector(rawSelector)
	if err != nil {
		panic(err)
	}
	n := &Node{Key: sel.String(), Tag: tag, page: p}
	p.mu.Lock()
	p.nodes = append(p.nodes, n)
	p.mu.Unlock()
	return n
}

// ShowText renders text, visible after delay.
func (p *Page) ShowText(text string, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.texts == nil {
		p.texts = make(map[string]time.Time)
	}
	p.texts[text] = time.Now().Add(delay)
}

// SetTitle sets the document title.
func (p *Page) SetTitle(title string) {
	p.mu.Lock()
	p.title = title
	p.mu.Unlock()
}

// DelayReady makes WaitLoadState block for d after the current navigation.
func (p *Page) DelayReady(d time.Duration) {
	p.mu.Lock()
	p.readyAt = time.Now().Add(d)
	p.mu.Unlock()
}

// Clear detaches every node and text, as an SPA re-render would.
func (p *Page) Clear() {
	p.mu.Lock()
	p.nodes = nil
	p.texts = nil
	p.mu.Unlock()
}

// PushState changes the page URL without a navigation, as a client-side
// router would.
func (p *Page) PushState(rawURL string) {
	p.mu.Lock()
	p.url = rawURL
	p.mu.Unlock()
}

// Popup opens rawURL in a new page of the same context, as a target=_blank
// link or window.open would. The new page is rendered and listed last.
func (p *Page) Popup(rawURL string) *Page {
	np, err := p.ctx.NewPage(context.Background())
	if err != nil {
		return nil
	}
	popup := np.(*Page)
	_ = popup.Navigate(context.Background(), rawURL)
	return popup
}

// Navigations lists every URL navigated to on this page.
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Value returns the filled value of the node answering to rawSelector.
func (p *Page) Value(rawSelector string) string {
	if n := p.find(rawSelector); n != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		return n.value
	}
	return ""
}

// Clicks returns how often the node answering to rawSelector was clicked.
func (p *Page) Clicks(rawSelector string) int {
	if n := p.find(rawSelector); n != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		return n.clicks
	}
	return 0
}

// Closed reports whether the page was closed.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) find(rawSelector string) *Node {
	sel, err := driver.ParseSelector(rawSelector)
	if err != nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.nodes {
		if n.Key == sel.String() {
			return n
		}
	}
	return nil
}

func (p *Page) check(ctx context.Context) error {
	if p.d.isCrashed() {
		return driver.ErrDisconnected
	}
	if p.d.isHung() {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("page closed")
	}
	return nil
}

func (p *Page) Navigate(ctx context.Context, rawURL string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	if _, err := url.Parse(rawURL); err != nil {
		return err
	}
	p.mu.Lock()
	p.url = rawURL
	p.title = ""
	p.nodes = nil
	p.texts = nil
	p.readyAt = time.Time{}
	p.navigations = append(p.navigations, rawURL)
	p.mu.Unlock()

	if p.d.Render != nil {
		p.d.Render(p, rawURL)
	}
	return nil
}

func (p *Page) WaitLoadState(ctx context.Context, state driver.LoadState) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	readyAt := p.readyAt
	p.mu.Unlock()

	wait := time.Until(readyAt)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Page) Query(ctx context.Context, sel driver.Selector) (driver.Element, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	now := time.Now()
	key := sel.String()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.nodes {
		if now.Before(n.VisibleAt) {
			continue
		}
		if n.Key == key || (sel.Kind == driver.SelectorText && n.Text != "" && strings.Contains(n.Text, sel.Expr)) {
			return &element{n: n}, nil
		}
	}
	if sel.Kind == driver.SelectorText {
		for text, at := range p.texts {
			if !now.Before(at) && strings.Contains(text, sel.Expr) {
				return &element{n: &Node{Key: key, Tag: "span", Text: text, page: p}}, nil
			}
		}
	}
	return nil, driver.ErrNoMatch
}

func (p *Page) TextVisible(ctx context.Context, text string) (bool, error) {
	if err := p.check(ctx); err != nil {
		return false, err
	}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for t, at := range p.texts {
		if !now.Before(at) && strings.Contains(t, text) {
			return true, nil
		}
	}
	for _, n := range p.nodes {
		if !now.Before(n.VisibleAt) && n.Text != "" && strings.Contains(n.Text, text) {
			return true, nil
		}
	}
	return false, nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

func (p *Page) VisibleText(ctx context.Context) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	var lines []string
	for _, n := range p.nodes {
		if !now.Before(n.VisibleAt) && n.Text != "" {
			lines = append(lines, n.Text)
		}
	}
	for t, at := range p.texts {
		if !now.Before(at) {
			lines = append(lines, t)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, 64, 36))
	for y := 0; y < 36; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 7), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Page) Eval(ctx context.Context, js string, out any) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	if p.d.EvalFunc == nil {
		return fmt.Errorf("eval not scripted")
	}
	v, err := p.d.EvalFunc(p, js)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (p *Page) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.ctx.remove(p)
	return nil
}

func (p *Page) attached(n *Node) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.nodes {
		if existing == n {
			return true
		}
	}
	return false
}

type element struct {
	n *Node
}

func (e *element) Fill(ctx context.Context, text string) error {
	p := e.n.page
	if err := p.check(ctx); err != nil {
		return err
	}
	if !p.attached(e.n) {
		return fmt.Errorf("element is not attached to the DOM")
	}
	p.mu.Lock()
	e.n.value = text
	onFill := e.n.OnFill
	p.mu.Unlock()
	if onFill != nil {
		onFill(p, text)
	}
	return nil
}

func (e *element) Click(ctx context.Context) error {
	p := e.n.page
	if err := p.check(ctx); err != nil {
		return err
	}
	if !p.attached(e.n) && e.n.OnClick != nil {
		return fmt.Errorf("element is not attached to the DOM")
	}
	p.mu.Lock()
	e.n.clicks++
	onClick := e.n.OnClick
	p.mu.Unlock()
	if onClick != nil {
		onClick(p)
	}
	return nil
}

func (e *element) Describe(ctx context.Context) (string, error) {
	if err := e.n.page.check(ctx); err != nil {
		return "", err
	}
	if e.n.Class == "" {
		return e.n.Tag, nil
	}
	return e.n.Tag + "." + e.n.Class, nil
}

func (e *element) Center(ctx context.Context) (int, int, error) {
	if err := e.n.page.check(ctx); err != nil {
		return 0, 0, err
	}
	return 32, 18, nil
}
