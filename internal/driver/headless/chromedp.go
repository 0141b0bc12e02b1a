// Package headless drives a Chrome session through chromedp and exposes it as
// a crawler.PageDriver.
package headless

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-crawler/internal/crawler"
)

// Defaults for Config.
const (
	DefaultWindowWidth          = 1024
	DefaultWindowHeight         = 768
	DefaultRendererProcessLimit = 2
	DefaultActionTimeout        = 15 * time.Second
	DefaultNavigationTimeout    = 45 * time.Second
	DefaultAcceptLanguage       = "en-US,en;q=0.9"
)

const (
	scrollIntoViewScript = `function() { this.scrollIntoView({block: "end"}); }`
	errStatusThreshold   = 400
)

// Config controls the browser sessions started by Factory.
type Config struct {
	ExecPath             string
	UserAgent            string
	AcceptLanguage       string
	WindowWidth          int
	WindowHeight         int
	RendererProcessLimit int
	NoSandbox            bool
	// Headful shows the browser window; only useful when debugging locally.
	Headful           bool
	ActionTimeout     time.Duration
	NavigationTimeout time.Duration
	Logger            *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.WindowWidth <= 0 {
		c.WindowWidth = DefaultWindowWidth
	}
	if c.WindowHeight <= 0 {
		c.WindowHeight = DefaultWindowHeight
	}
	if c.RendererProcessLimit <= 0 {
		c.RendererProcessLimit = DefaultRendererProcessLimit
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = DefaultActionTimeout
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = DefaultNavigationTimeout
	}
	if c.AcceptLanguage == "" {
		c.AcceptLanguage = DefaultAcceptLanguage
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Factory implements crawler.DriverFactory. Every call to New launches a
// fresh browser process owned by the returned Session.
type Factory struct {
	cfg Config
}

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.WindowWidth < 0 || cfg.WindowHeight < 0 {
		return nil, fmt.Errorf("window size must be >= 0, got %dx%d", cfg.WindowWidth, cfg.WindowHeight)
	}
	return &Factory{cfg: cfg.withDefaults()}, nil
}

func (f *Factory) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if f.cfg.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	} else {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("renderer-process-limit", strconv.Itoa(f.cfg.RendererProcessLimit)),
		chromedp.WindowSize(f.cfg.WindowWidth, f.cfg.WindowHeight),
	)
	if f.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	return opts
}

// New launches a browser and returns its session. ctx only bounds the launch;
// the session lives until Quit.
func (f *Factory) New(ctx context.Context) (crawler.PageDriver, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions()...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:         f.cfg,
		ctx:         taskCtx,
		taskCancel:  taskCancel,
		allocCancel: allocCancel,
		meta:        &responseMeta{},
		log:         f.cfg.Logger.Named("browser"),
	}
	// The first Run allocates the browser and must use the session context
	// itself; a derived timeout context would kill the browser when it ends.
	stop := context.AfterFunc(ctx, taskCancel)
	err := chromedp.Run(taskCtx)
	stop()
	if err != nil {
		_ = s.Quit()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	chromedp.ListenTarget(taskCtx, s.meta.captureEvent)
	if err := s.run(ctx, f.cfg.ActionTimeout, s.networkSetupAction()); err != nil {
		_ = s.Quit()
		return nil, fmt.Errorf("configure browser: %w", err)
	}
	s.log.Debug("browser started", zap.Int("width", f.cfg.WindowWidth), zap.Int("height", f.cfg.WindowHeight))
	return s, nil
}

// Session is one browser process. It is not safe for concurrent use; the crawl
// job that owns it drives it from a single goroutine.
type Session struct {
	cfg         Config
	ctx         context.Context
	taskCancel  context.CancelFunc
	allocCancel context.CancelFunc
	meta        *responseMeta
	log         *zap.Logger
	quitOnce    sync.Once
}

// run executes actions on the browser, bounded by timeout and by the caller's ctx.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}
	return nil
}

func (s *Session) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		headers := network.Headers{"Accept-Language": s.cfg.AcceptLanguage}
		if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}

// Navigate loads url and fails when the document response is an HTTP error.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.meta.reset()
	if err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("chromedp navigate: %w", err)
	}
	if status, final := s.meta.snapshot(); status >= errStatusThreshold {
		return fmt.Errorf("navigate %s: document status %d", final, status)
	}
	return nil
}

// WaitForSelector reports whether selector is present before timeout.
func (s *Session) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) bool {
	err := s.run(ctx, timeout, chromedp.WaitReady(selector, queryBy(selector)))
	if err != nil {
		s.log.Debug("selector wait ended", zap.String("selector", selector), zap.Error(err))
		return false
	}
	return true
}

// RunScript calls script with this bound to el and decodes the result into out.
func (s *Session) RunScript(ctx context.Context, script string, el crawler.Element, out any) error {
	node, err := nodeOf(el)
	if err != nil {
		return err
	}
	return s.run(ctx, s.cfg.ActionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(node.NodeID).Do(ctx)
		if err != nil {
			return fmt.Errorf("resolve node: %w", err)
		}
		// Release fails once the page navigated away; nothing to clean up then.
		defer func() { _ = runtime.ReleaseObject(obj.ObjectID).Do(ctx) }()
		return chromedp.CallFunctionOn(script, out, func(p *runtime.CallFunctionOnParams) *runtime.CallFunctionOnParams {
			return p.WithObjectID(obj.ObjectID)
		}).Do(ctx)
	}))
}

// FindAll returns every node matching selector without waiting.
func (s *Session) FindAll(ctx context.Context, selector string) ([]crawler.Element, error) {
	var nodes []*cdp.Node
	query := chromedp.Nodes(selector, &nodes, queryBy(selector), chromedp.AtLeast(0))
	if err := s.run(ctx, s.cfg.ActionTimeout, query); err != nil {
		return nil, fmt.Errorf("find %q: %w", selector, err)
	}
	out := make([]crawler.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, element{node: n})
	}
	return out, nil
}

// Click waits for selector to become visible and clicks it.
func (s *Session) Click(ctx context.Context, selector string) error {
	click := chromedp.Click(selector, queryBy(selector), chromedp.NodeVisible)
	if err := s.run(ctx, s.cfg.ActionTimeout, click); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

// ScrollIntoView scrolls the page until el is visible.
func (s *Session) ScrollIntoView(ctx context.Context, el crawler.Element) error {
	return s.RunScript(ctx, scrollIntoViewScript, el, nil)
}

// Quit closes the browser. Subsequent calls are no-ops.
func (s *Session) Quit() error {
	s.quitOnce.Do(func() {
		if s.taskCancel != nil {
			s.taskCancel()
		}
		if s.allocCancel != nil {
			s.allocCancel()
		}
	})
	return nil
}

// queryBy selects XPath search for selectors starting with "/" and CSS otherwise.
func queryBy(selector string) chromedp.QueryOption {
	if isXPath(selector) {
		return chromedp.BySearch
	}
	return chromedp.ByQueryAll
}

func isXPath(selector string) bool {
	return strings.HasPrefix(strings.TrimSpace(selector), "/")
}

type element struct {
	node *cdp.Node
}

// Attribute implements crawler.Element.
func (e element) Attribute(name string) (string, bool) {
	if e.node == nil {
		return "", false
	}
	return e.node.Attribute(name)
}

var errForeignElement = errors.New("element was not produced by this browser session")

func nodeOf(el crawler.Element) (*cdp.Node, error) {
	e, ok := el.(element)
	if !ok || e.node == nil {
		return nil, errForeignElement
	}
	return e.node, nil
}

// responseMeta records the status of the last document response.
type responseMeta struct {
	mu     sync.Mutex
	status int
	url    string
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status, m.url = 0, ""
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.url
}
