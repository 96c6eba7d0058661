package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const defaultWSBaseURL = "wss://stream.binance.com:9443"

// TradeStream subscribes to the aggregated-trade WebSocket streams for a set
// of symbols and delivers trades to a callback. Used by the async runner; the
// cycle loop polls REST instead.
type TradeStream struct {
	baseURL string
	symbols []string
	onTrade func(symbol string, trade AggTrade)
	logger  zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

type wsAggTrade struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol       string  `json:"s"`
		ID           int64   `json:"a"`
		Price        float64 `json:"p,string"`
		Quantity     float64 `json:"q,string"`
		Time         int64   `json:"T"`
		IsBuyerMaker bool    `json:"m"`
	} `json:"data"`
}

func NewTradeStream(baseURL string, symbols []string, onTrade func(string, AggTrade), logger zerolog.Logger) *TradeStream {
	if baseURL == "" {
		baseURL = defaultWSBaseURL
	}
	return &TradeStream{
		baseURL: baseURL,
		symbols: symbols,
		onTrade: onTrade,
		logger:  logger.With().Str("component", "trade_stream").Logger(),
	}
}

// Start connects and begins delivering trades. Reconnects with bounded
// back-off (2s doubling to 60s) until Stop is called.
func (s *TradeStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("trade stream already running")
	}
	if len(s.symbols) == 0 {
		return fmt.Errorf("no symbols to stream")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)
	go s.run()
	return nil
}

func (s *TradeStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info().Msg("trade stream stopped")
}

func (s *TradeStream) streamURL() string {
	streams := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		streams[i] = strings.ToLower(NativeSymbol(sym)) + "@aggTrade"
	}
	return s.baseURL + "/stream?streams=" + strings.Join(streams, "/")
}

func (s *TradeStream) run() {
	defer s.wg.Done()
	delay := 2 * time.Second
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		if err := s.connectAndRead(); err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("trade stream disconnected")
			select {
			case <-s.stopChan:
				return
			case <-time.After(delay):
			}
			if delay *= 2; delay > time.Minute {
				delay = time.Minute
			}
			continue
		}
		// Clean read loop exit means Stop was called.
		return
	}
}

func (s *TradeStream) connectAndRead() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dialing stream: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info().Int("symbols", len(s.symbols)).Msg("trade stream connected")

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	for {
		select {
		case <-s.stopChan:
			return nil
		default:
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopChan:
				return nil
			default:
				return fmt.Errorf("reading stream: %w", err)
			}
		}
		var evt wsAggTrade
		if err := json.Unmarshal(msg, &evt); err != nil || evt.Data.Symbol == "" {
			continue
		}
		s.onTrade(evt.Data.Symbol, AggTrade{
			ID:           evt.Data.ID,
			Price:        evt.Data.Price,
			Quantity:     evt.Data.Quantity,
			Time:         evt.Data.Time,
			IsBuyerMaker: evt.Data.IsBuyerMaker,
		})
	}
}
