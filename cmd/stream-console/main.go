package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"

	"marketstream/internal/live"
	"marketstream/internal/stream"
	"marketstream/internal/symbol"
	"marketstream/pkg/marketstream"
)

// Styles.
var (
	symbolStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	gainStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	lossStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	priceStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	colHeaderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	sectionStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("6"))
	okStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	downStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

const watchlistName = "marketstream"

type tickMsg time.Time
type syncErrMsg struct{ err error }
type reconnectMsg struct {
	asset string
	err   error
}

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Model.
type model struct {
	client *live.Client
	api    *marketstream.Client
	stocks []string // display order
	crypto []string

	status       stream.Status
	stockQuotes  map[string]stream.Quote
	cryptoQuotes map[string]stream.Quote
	lastPrice    map[string]float64 // "asset:SYMBOL" → last rendered price
	lastMove     map[string]int     // +1 up, -1 down

	viewport      viewport.Model
	ready         bool
	width, height int
	syncCancel    context.CancelFunc
	notice        string
	logger        *slog.Logger
}

func initialModel(client *live.Client, api *marketstream.Client, stocks, crypto []string, cancel context.CancelFunc, logger *slog.Logger) model {
	return model{
		client:     client,
		api:        api,
		stocks:     stocks,
		crypto:     crypto,
		lastPrice:  make(map[string]float64),
		lastMove:   make(map[string]int),
		syncCancel: cancel,
		logger:     logger,
	}
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.syncCancel()
			return m, tea.Quit
		case "r":
			return m, m.reconnectCmd("stock")
		case "c":
			return m, m.reconnectCmd("crypto")
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 2
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.viewport.MouseWheelEnabled = true
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.refresh()
		m.viewport.SetContent(m.renderContent())
		return m, nil

	case tickMsg:
		m.refresh()
		if m.ready {
			m.viewport.SetContent(m.renderContent())
		}
		return m, tickCmd()

	case syncErrMsg:
		m.notice = "sync error: " + msg.err.Error()
		m.logger.Error("sync error", "error", msg.err)
		return m, nil

	case reconnectMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("reconnect %s failed: %v", msg.asset, msg.err)
		} else {
			m.notice = "reconnecting " + msg.asset
		}
		return m, nil
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m model) reconnectCmd(asset string) tea.Cmd {
	if m.api == nil {
		return nil
	}
	api := m.api
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := api.Reconnect(ctx, asset)
		return reconnectMsg{asset: asset, err: err}
	}
}

// refresh pulls the mirrored state and tracks price direction per symbol.
func (m *model) refresh() {
	m.status = m.client.Status()
	m.stockQuotes = m.client.StockQuotes()
	m.cryptoQuotes = m.client.CryptoQuotes()

	track := func(asset string, quotes map[string]stream.Quote) {
		for sym, q := range quotes {
			key := asset + ":" + sym
			prev, seen := m.lastPrice[key]
			switch {
			case !seen || q.Price == prev:
			case q.Price > prev:
				m.lastMove[key] = 1
			default:
				m.lastMove[key] = -1
			}
			m.lastPrice[key] = q.Price
		}
	}
	track("stock", m.stockQuotes)
	track("crypto", m.cryptoQuotes)
}

func (m model) View() string {
	if !m.ready {
		return "Loading..."
	}

	conn := func(label string, up bool) string {
		if up {
			return okStyle.Render(label + " ●")
		}
		return downStyle.Render(label + " ○")
	}
	headerText := fmt.Sprintf(" marketstream  %s ET  ", time.Now().In(etLoc).Format("15:04:05"))
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("4")).
		Render(headerText) + " " + conn("stock", m.status.StockConnected) + "  " + conn("crypto", m.status.CryptoConnected)
	if m.status.Error != "" {
		header += "  " + errStyle.Render(m.status.Error)
	}

	footerLeft := " q quit  r reconnect stock  c reconnect crypto  pgup/dn scroll"
	if m.notice != "" {
		footerLeft += "   " + m.notice
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("8")).
		Render(padOrTrunc(footerLeft, m.width))

	return header + "\n" + m.viewport.View() + "\n" + footer
}

func (m model) renderContent() string {
	var b strings.Builder
	if len(m.stocks) > 0 {
		m.renderSection(&b, "STOCKS", "stock", m.stocks, m.stockQuotes, true)
	}
	if len(m.crypto) > 0 {
		if len(m.stocks) > 0 {
			b.WriteString("\n")
		}
		m.renderSection(&b, "CRYPTO", "crypto", m.crypto, m.cryptoQuotes, false)
	}
	return b.String()
}

func (m model) renderSection(b *strings.Builder, title, asset string, symbols []string, quotes map[string]stream.Quote, showSession bool) {
	b.WriteString(sectionStyle.Render(padOrTrunc(" "+title, m.width)))
	b.WriteString("\n")
	hdr := fmt.Sprintf("  %-10s %12s %12s %12s %10s %14s", "Symbol", "Price", "Bid", "Ask", "Size", "Volume")
	if showSession {
		hdr += fmt.Sprintf(" %-12s", "Session")
	}
	hdr += "  Updated"
	b.WriteString(colHeaderStyle.Render(hdr))
	b.WriteString("\n")

	for _, sym := range symbols {
		q, ok := quotes[sym]
		b.WriteString("  ")
		b.WriteString(symbolStyle.Render(fmt.Sprintf("%-10s", sym)))
		if !ok {
			b.WriteString(dimStyle.Render(fmt.Sprintf(" %12s  waiting for data", "-")))
			b.WriteString("\n")
			continue
		}

		ps := priceStyle
		switch m.lastMove[asset+":"+sym] {
		case 1:
			ps = gainStyle
		case -1:
			ps = lossStyle
		}
		b.WriteString(ps.Render(fmt.Sprintf(" %12s", formatPrice(q.Price))))
		b.WriteString(fmt.Sprintf(" %12s %12s %10s %14s",
			formatPrice(q.Bid), formatPrice(q.Ask), formatQty(q.Size), formatQty(q.Volume)))
		if showSession {
			b.WriteString(fmt.Sprintf(" %-12s", q.Session))
		}
		updated := "-"
		if !q.Timestamp.IsZero() {
			updated = q.Timestamp.In(etLoc).Format("15:04:05")
		}
		b.WriteString(dimStyle.Render("  " + updated))
		b.WriteString("\n")
	}
}

func formatPrice(p float64) string {
	switch {
	case p == 0:
		return "-"
	case p < 1:
		return fmt.Sprintf("%.4f", p)
	default:
		return fmt.Sprintf("%.2f", p)
	}
}

func formatQty(v float64) string {
	switch {
	case v == 0:
		return "-"
	case v >= 1e6:
		return fmt.Sprintf("%.2fM", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%.1fK", v/1e3)
	case v == float64(int64(v)):
		return fmt.Sprintf("%d", int64(v))
	default:
		return fmt.Sprintf("%.4f", v)
	}
}

func padOrTrunc(s string, width int) string {
	if width <= 0 {
		return s
	}
	if len(s) > width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

var etLoc = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}()

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// loadWatchlist returns the symbols on the "marketstream" Alpaca watchlist,
// split into stocks and crypto pairs.
func loadWatchlist(ac *alpacaapi.Client) (stocks, crypto []string, err error) {
	lists, err := ac.GetWatchlists()
	if err != nil {
		return nil, nil, fmt.Errorf("listing watchlists: %w", err)
	}
	for _, w := range lists {
		if w.Name != watchlistName {
			continue
		}
		wl, err := ac.GetWatchlist(w.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("getting watchlist %s: %w", w.ID, err)
		}
		for _, a := range wl.Assets {
			if strings.Contains(a.Symbol, "/") {
				crypto = append(crypto, a.Symbol)
			} else {
				stocks = append(stocks, a.Symbol)
			}
		}
		return stocks, crypto, nil
	}
	return nil, nil, nil
}

func main() {
	_ = godotenv.Load(".env")

	addr := "localhost:50051"
	if a := os.Getenv("STREAM_ADDR"); a != "" {
		addr = a
	}
	httpAddr := "http://localhost:8080"
	if a := os.Getenv("STREAM_HTTP"); a != "" {
		httpAddr = a
	}

	logPath := fmt.Sprintf("/tmp/stream-console-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelInfo}))

	stocks := splitList(os.Getenv("STREAM_STOCKS"))
	crypto := splitList(os.Getenv("STREAM_CRYPTO"))

	// Fall back to the Alpaca watchlist, then to a fixed default set.
	if len(stocks) == 0 && len(crypto) == 0 {
		if apiKey := os.Getenv("APCA_API_KEY_ID"); apiKey != "" {
			ac := alpacaapi.NewClient(alpacaapi.ClientOpts{
				APIKey:    apiKey,
				APISecret: os.Getenv("APCA_API_SECRET_KEY"),
			})
			stocks, crypto, err = loadWatchlist(ac)
			if err != nil {
				logger.Warn("loading watchlist", "error", err)
			}
			logger.Info("watchlist loaded", "stocks", len(stocks), "crypto", len(crypto))
		}
	}
	if len(stocks) == 0 && len(crypto) == 0 {
		stocks = []string{"SPY", "AAPL", "MSFT", "NVDA"}
		crypto = []string{"BTC/USD", "ETH/USD"}
	}

	stocks = symbol.Stocks(stocks)
	cryptoKeys := symbol.Cryptos(crypto)
	for i, s := range cryptoKeys {
		cryptoKeys[i] = stream.Crypto.Canonical(s)
	}

	client := live.NewClient(addr, logger)
	api := marketstream.NewClient(httpAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(
		initialModel(client, api, stocks, cryptoKeys, cancel, logger),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	go func() {
		opts := live.Options{StockSymbols: stocks, CryptoSymbols: crypto, Enabled: true}
		if err := client.Sync(ctx, opts, nil); err != nil && ctx.Err() == nil {
			p.Send(syncErrMsg{err: err})
		}
	}()

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
