package membership

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/andrussal/ephemera-go/pkg/concurrency"
	"github.com/andrussal/ephemera-go/pkg/logging"
)

// DefaultPollInterval is used when HttpProvider is not given one.
const DefaultPollInterval = 10 * time.Second

// HttpProvider polls a URL for the current peer list at a fixed interval.
// An unchanged response is a no-op; a failed fetch is logged and retried,
// with the last-good snapshot remaining in effect.
type HttpProvider struct {
	url      string
	interval time.Duration
	client   *http.Client
	log      logging.Logger

	mutex   sync.RWMutex
	current []PeerInfo
	updates chan []PeerInfo
	done    chan struct{}
}

// NewHttpProvider starts polling url every interval in the background.
func NewHttpProvider(url string, interval time.Duration, log logging.Logger, invoker concurrency.Invoker) *HttpProvider {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &HttpProvider{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
		updates:  make(chan []PeerInfo, 1),
		done:     make(chan struct{}),
	}
	invoker.Spawn(p.poll)
	return p
}

func (p *HttpProvider) poll() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.fetchAndPublish()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.fetchAndPublish()
		}
	}
}

func (p *HttpProvider) fetchAndPublish() {
	resp, err := p.client.Get(p.url)
	if err != nil {
		p.log.Warnf("membership: failed polling %s: %v", p.url, err)
		return
	}
	defer resp.Body.Close()

	var entries []peerFileEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		p.log.Warnf("membership: failed decoding peers from %s: %v", p.url, err)
		return
	}
	peers, err := decodePeerEntries(entries)
	if err != nil {
		p.log.Warnf("membership: failed parsing peers from %s: %v", p.url, err)
		return
	}

	p.mutex.Lock()
	if snapshotsEqual(p.current, peers) {
		p.mutex.Unlock()
		return
	}
	p.current = peers
	p.mutex.Unlock()

	select {
	case p.updates <- copySnapshot(peers):
	default:
	}
}

func (p *HttpProvider) Current() []PeerInfo {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return copySnapshot(p.current)
}

func (p *HttpProvider) Updates() <-chan []PeerInfo { return p.updates }
func (p *HttpProvider) Close()                     { close(p.done) }
