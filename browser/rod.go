// Package browser plays a channel in a Chromium instance driven over the
// DevTools protocol with go-rod. One RodBrowser owns one launched process and
// one page for the length of a single watch session.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

const (
	DefaultBaseURL    = "https://www.twitch.tv"
	DefaultNavTimeout = 30 * time.Second

	controlTimeout = 5 * time.Second
)

// Player controls, addressed by their data-a-target attribute.
const (
	selectorPlayPause  = `button[data-a-target='player-play-pause-button']`
	selectorMute       = `button[data-a-target='player-mute-unmute-button']`
	selectorVolume     = `input[data-a-target='player-volume-slider']`
	selectorMatureGate = `button[data-a-target='content-classification-gate-overlay-start-watching-button']`
	selectorFullscreen = `button[data-a-target='player-fullscreen-button']`
)

// ErrNotStarted is returned by player controls before Start succeeds.
var ErrNotStarted = errors.New("browser: not started")

// Options configures how the browser is launched.
type Options struct {
	// Bin is the Chromium binary; empty lets the launcher find or download one.
	Bin        string
	Headless   bool
	NavTimeout time.Duration
	// Flags are extra command-line switches such as "--start-maximized" or "--window-size=1280,720".
	Flags []string
	// BaseURL is the site the channel path is appended to.
	BaseURL string
}

// RodBrowser implements session.Browser.
type RodBrowser struct {
	opts Options

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	cancel   context.CancelFunc
	onDisc   func()
	stopped  bool
}

// New returns an unstarted RodBrowser.
func New(opts Options) *RodBrowser {
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = DefaultNavTimeout
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	return &RodBrowser{opts: opts}
}

// WatchURL is the page that plays channel.
func WatchURL(base, channel string) string {
	return strings.TrimRight(base, "/") + "/" + channel
}

// newLauncher builds the launcher for opts. Flags are accepted with or
// without leading dashes and with an optional "=value".
func newLauncher(opts Options) *launcher.Launcher {
	l := launcher.New().
		Headless(opts.Headless).
		Set("autoplay-policy", "no-user-gesture-required")
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}
	if !opts.Headless {
		l = l.Set("start-maximized")
	}
	for _, raw := range opts.Flags {
		name, val, hasVal := strings.Cut(strings.TrimLeft(strings.TrimSpace(raw), "-"), "=")
		if name == "" {
			continue
		}
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

// OnDisconnected registers fn to run once if the page or process goes away
// without Stop being called.
func (b *RodBrowser) OnDisconnected(fn func()) {
	b.mu.Lock()
	b.onDisc = fn
	b.mu.Unlock()
}

// Start launches the browser and navigates to channel. Resources acquired
// before a failure are released by Stop.
func (b *RodBrowser) Start(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return errors.New("browser: already stopped")
	}
	if b.browser != nil {
		return errors.New("browser: already started")
	}

	l := newLauncher(b.opts)
	b.launcher = l
	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	// The browser outlives the request that started it.
	bctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	br := rod.New().ControlURL(controlURL).Context(bctx)
	if err := br.Connect(); err != nil {
		return fmt.Errorf("connect browser: %w", err)
	}
	b.browser = br

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(br); err != nil {
		return fmt.Errorf("discover targets: %w", err)
	}
	page, err := br.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	b.page = page

	nav := page.Context(ctx).Timeout(b.opts.NavTimeout)
	defer nav.CancelTimeout()
	url := WatchURL(b.opts.BaseURL, channel)
	if err := nav.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := nav.WaitLoad(); err != nil {
		return fmt.Errorf("load %s: %w", url, err)
	}
	preparePlayer(nav)

	wait := br.EachEvent(func(e *proto.TargetTargetDestroyed) bool {
		return e.TargetID == page.TargetID
	})
	go b.watch(wait)

	slog.Info("browser playing channel", slog.String("component", "browser"), slog.String("channel", channel), slog.String("url", url))
	return nil
}

// preparePlayer gets past the content gate, goes fullscreen and unmutes. Each
// step is best-effort: missing controls are skipped.
func preparePlayer(page *rod.Page) {
	for _, sel := range []string{selectorMatureGate, selectorFullscreen} {
		if has, el, err := page.Has(sel); err == nil && has {
			if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
				slog.Debug("player control click failed", slog.String("component", "browser"), slog.String("selector", sel), slog.Any("err", err))
			}
		}
	}

	has, slider, err := page.Has(selectorVolume)
	if err != nil || !has {
		return
	}
	res, err := slider.Eval(`() => this.value`)
	if err != nil || !isMuted(res.Value.Str()) {
		return
	}
	if has, btn, err := page.Has(selectorMute); err == nil && has {
		_ = btn.Click(proto.InputMouseButtonLeft, 1)
	}
}

// isMuted reports whether a volume slider value means silence.
func isMuted(volume string) bool {
	v, err := strconv.ParseFloat(strings.TrimSpace(volume), 64)
	return err == nil && v == 0
}

func (b *RodBrowser) watch(wait func()) {
	wait()
	b.mu.Lock()
	stopped := b.stopped
	fn := b.onDisc
	b.mu.Unlock()
	if stopped || fn == nil {
		return
	}
	slog.Warn("browser page closed", slog.String("component", "browser"))
	fn()
}

// Stop closes the page and the browser process. It is safe to call more than
// once and before Start; it never fires the disconnect callback.
func (b *RodBrowser) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}
	b.stopped = true

	var errs []error
	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher.Cleanup()
	}
	b.page, b.browser, b.launcher = nil, nil, nil
	return errors.Join(errs...)
}

func (b *RodBrowser) TogglePause(ctx context.Context) error { return b.click(ctx, selectorPlayPause) }

func (b *RodBrowser) ToggleMute(ctx context.Context) error { return b.click(ctx, selectorMute) }

func (b *RodBrowser) click(ctx context.Context, selector string) error {
	b.mu.Lock()
	page := b.page
	b.mu.Unlock()
	if page == nil {
		return ErrNotStarted
	}
	p := page.Context(ctx).Timeout(controlTimeout)
	defer p.CancelTimeout()
	el, err := p.Element(selector)
	if err != nil {
		return fmt.Errorf("find %s: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}
