// Package browser connects to Chrome over the DevTools protocol with go-rod and exposes
// the watched chat page as a dom.Document.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"chatkeeper/internal/config"
	"chatkeeper/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// ErrNotConnected is returned when no browser connection is open.
var ErrNotConnected = errors.New("browser not connected")

// Target describes the page the agent is watching.
type Target struct {
	TargetID string `json:"target_id"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
}

// SessionManager owns the browser connection and the single watched page.
type SessionManager struct {
	cfg config.BrowserConfig
	log logging.Sink

	mu         sync.RWMutex
	browser    *rod.Browser
	launched   *launcher.Launcher
	page       *rod.Page
	target     Target
	controlURL string
}

// NewSessionManager returns a disconnected manager.
func NewSessionManager(cfg config.BrowserConfig, log logging.Sink) *SessionManager {
	if log == nil {
		log = logging.Nop{}
	}
	return &SessionManager{cfg: cfg, log: log}
}

// Start connects to debugger_url, or launches Chrome from the launch command. A healthy
// existing connection is reused.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.log.Log("stale browser connection detected, reconnecting", logging.Warn)
		_ = m.browser.Close()
		m.browser, m.page, m.controlURL = nil, nil, ""
	}

	controlURL, err := m.resolveControlURL()
	if err != nil {
		return err
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	m.log.Log(fmt.Sprintf("browser connected at %s", controlURL), logging.Info)
	return nil
}

func (m *SessionManager) resolveControlURL() (string, error) {
	if m.cfg.DebuggerURL != "" {
		u, err := launcher.ResolveURL(m.cfg.DebuggerURL)
		if err != nil {
			return "", fmt.Errorf("resolve debugger url %s: %w", m.cfg.DebuggerURL, err)
		}
		return u, nil
	}
	if len(m.cfg.Launch) == 0 {
		return "", errors.New("no debugger_url or launch command provided")
	}

	l := newLauncher(m.cfg.Launch, m.cfg.IsHeadless())
	u, err := l.Launch()
	if err != nil {
		// Let rod pick the port and defaults.
		l = launcher.New().Bin(m.cfg.Launch[0]).Headless(m.cfg.IsHeadless())
		alt, altErr := l.Launch()
		if altErr != nil {
			return "", fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
		}
		u = alt
	}
	m.launched = l
	return u, nil
}

func newLauncher(command []string, headless bool) *launcher.Launcher {
	l := launcher.New().Bin(command[0]).Headless(headless)
	for _, raw := range command[1:] {
		name, val, hasVal := parseFlag(raw)
		if name == "" {
			continue
		}
		if hasVal {
			l = l.Set(name, val)
		} else {
			l = l.Set(name)
		}
	}
	return l
}

// parseFlag splits "--name=value" into its parts.
func parseFlag(raw string) (flags.Flag, string, bool) {
	trimmed := strings.TrimLeft(strings.TrimSpace(raw), "-")
	name, val, hasVal := strings.Cut(trimmed, "=")
	return flags.Flag(name), val, hasVal
}

// Attach picks the page to watch: the first open page whose URL contains
// target_url_contains, else a new page at open_url, else the first open page.
// Links-in-current-window interception is installed when configured.
func (m *SessionManager) Attach(ctx context.Context) (Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser == nil {
		return Target{}, ErrNotConnected
	}
	b := m.browser.Context(ctx).Timeout(m.cfg.AttachTimeout())

	pages, err := b.Pages()
	if err != nil {
		return Target{}, fmt.Errorf("list pages: %w", err)
	}

	infos := make([]proto.TargetTargetInfo, 0, len(pages))
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			infos = append(infos, proto.TargetTargetInfo{TargetID: p.TargetID})
			continue
		}
		infos = append(infos, *info)
	}

	var page *rod.Page
	var info proto.TargetTargetInfo
	switch idx := selectTarget(infos, m.cfg.TargetURLContains); {
	case idx >= 0 && (m.cfg.TargetURLContains != "" || m.cfg.OpenURL == ""):
		page, info = pages[idx], infos[idx]
	case m.cfg.OpenURL != "":
		page, err = b.Page(proto.TargetCreateTarget{URL: m.cfg.OpenURL})
		if err != nil {
			return Target{}, fmt.Errorf("open %s: %w", m.cfg.OpenURL, err)
		}
		if err := page.WaitLoad(); err != nil {
			m.log.Log(fmt.Sprintf("page load incomplete: %v", err), logging.Warn)
		}
		info = proto.TargetTargetInfo{TargetID: page.TargetID, URL: m.cfg.OpenURL}
	default:
		return Target{}, fmt.Errorf("no page matches %q", m.cfg.TargetURLContains)
	}

	if m.cfg.LinksInCurrentWindow {
		if err := InstallLinkInterceptor(page); err != nil {
			m.log.Log(fmt.Sprintf("link interception not installed: %v", err), logging.Warn)
		}
	}

	m.page = page.Context(context.Background())
	m.target = Target{TargetID: string(info.TargetID), URL: info.URL, Title: info.Title}
	m.log.Log(fmt.Sprintf("watching page %s", m.target.URL), logging.Info)
	return m.target, nil
}

// selectTarget returns the index of the first page whose URL contains substr, or the
// first page when substr is empty. It returns -1 when nothing qualifies.
func selectTarget(infos []proto.TargetTargetInfo, substr string) int {
	for i, info := range infos {
		if info.Type != "" && info.Type != proto.TargetTargetInfoTypePage {
			continue
		}
		if substr == "" || strings.Contains(info.URL, substr) {
			return i
		}
	}
	return -1
}

// Document returns the watched page as a dom.Document.
func (m *SessionManager) Document() (*PageDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.page == nil {
		return nil, ErrNotConnected
	}
	return NewPageDocument(m.page), nil
}

// Target returns the watched page.
func (m *SessionManager) Target() Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.target
}

// ControlURL returns the DevTools WebSocket URL.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected reports whether a browser connection is open.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown disconnects. A browser this manager launched is closed; an attached one is
// left running.
func (m *SessionManager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.browser != nil && m.launched != nil {
		err = m.browser.Close()
		m.launched.Cleanup()
	}
	m.browser, m.launched, m.page = nil, nil, nil
	m.controlURL = ""
	m.target = Target{}
	m.log.Log("browser session closed", logging.Info)
	return err
}
