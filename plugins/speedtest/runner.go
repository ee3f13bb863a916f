package speedtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

// Options controls one measurement.
type Options struct {
	// ServerCount is how many of the nearest servers get a latency check.
	ServerCount int
	// FullTestServers is how many of the fastest-responding servers run a
	// full download/upload test; their figures are averaged.
	FullTestServers int
	MaxConnections  int
	SavingMode      bool
	PacketLoss      bool
}

func (o Options) withDefaults() Options {
	if o.ServerCount <= 0 {
		o.ServerCount = 5
	}
	if o.FullTestServers <= 0 {
		o.FullTestServers = 1
	}
	o.FullTestServers = min(o.FullTestServers, o.ServerCount)
	if o.MaxConnections <= 0 {
		o.MaxConnections = 4
	}
	return o
}

type Measurement struct {
	DownloadMbps  float64       `json:"download_mbps"`
	UploadMbps    float64       `json:"upload_mbps"`
	PingMs        float64       `json:"ping_ms"`
	JitterMs      float64       `json:"jitter_ms"`
	PacketLoss    float64       `json:"packet_loss"`
	ISP           string        `json:"isp"`
	ServerName    string        `json:"server_name"`
	ServerCountry string        `json:"server_country"`
	Servers       int           `json:"servers_tested"`
	Took          time.Duration `json:"took"`
}

// Measurer runs a network speed measurement.
type Measurer interface {
	Measure(ctx context.Context, o Options) (Measurement, error)
}

// netMeasurer talks to speedtest.net through speedtest-go.
type netMeasurer struct{}

func (netMeasurer) Measure(ctx context.Context, o Options) (Measurement, error) {
	o = o.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	start := time.Now()

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConnsPerHost: max(o.MaxConnections, 2),
		IdleConnTimeout:     10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	defer tr.CloseIdleConnections()

	// A private client: the package-level helpers keep snapshots alive
	// across runs.
	client := st.New(
		st.WithUserConfig(&st.UserConfig{SavingMode: o.SavingMode, MaxConnections: o.MaxConnections}),
		st.WithDoer(&http.Client{Transport: tr}),
	)
	client.SetNThread(o.MaxConnections)
	defer func() {
		client.Snapshots().Clean()
		client.Reset()
	}()

	user, err := client.FetchUserInfoContext(ctx)
	if err != nil {
		return Measurement{}, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := client.FetchServerListContext(ctx)
	if err != nil {
		return Measurement{}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return Measurement{}, errors.New("no servers available")
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	candidates := servers[:min(o.ServerCount, len(servers))]

	pinged := pingAll(ctx, candidates, 4)
	if len(pinged) == 0 {
		return Measurement{}, errors.New("all latency tests failed")
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })

	var runs []serverRun
	for _, s := range pinged[:min(o.FullTestServers, len(pinged))] {
		if err := ctx.Err(); err != nil {
			return Measurement{}, err
		}
		if err := s.DownloadTestContext(ctx); err != nil {
			continue
		}
		if err := s.UploadTestContext(ctx); err != nil {
			continue
		}
		runs = append(runs, serverRun{server: s, down: s.DLSpeed.Mbps(), up: s.ULSpeed.Mbps(), ping: s.Latency})
		client.Snapshots().Clean()
	}
	if len(runs) == 0 {
		return Measurement{}, errors.New("full test failed for all servers")
	}

	avg := average(runs)
	best := fastest(runs)
	m := Measurement{
		DownloadMbps:  avg.down,
		UploadMbps:    avg.up,
		PingMs:        float64(avg.ping.Milliseconds()),
		JitterMs:      float64(best.server.Jitter.Milliseconds()),
		ISP:           user.Isp,
		ServerName:    best.server.Sponsor,
		ServerCountry: best.server.Country,
		Servers:       len(runs),
	}
	if m.JitterMs <= 0 {
		m.JitterMs = math.Max(0.1, m.PingMs*0.1)
	}
	if o.PacketLoss {
		host := best.server.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		plCtx, plCancel := context.WithTimeout(ctx, 3*time.Second)
		m.PacketLoss = packetLoss(plCtx, host)
		plCancel()
	}
	m.Took = time.Since(start)
	return m, nil
}

func pingAll(ctx context.Context, servers []*st.Server, concurrency int) []*st.Server {
	sem := make(chan struct{}, concurrency)
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make([]*st.Server, 0, len(servers))
	)
	for _, s := range servers {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()
			if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
				return
			}
			mu.Lock()
			out = append(out, s)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

type serverRun struct {
	server *st.Server
	down   float64
	up     float64
	ping   time.Duration
}

func average(runs []serverRun) serverRun {
	var out serverRun
	for _, r := range runs {
		out.down += r.down
		out.up += r.up
		out.ping += r.ping
	}
	n := len(runs)
	out.down /= float64(n)
	out.up /= float64(n)
	out.ping /= time.Duration(n)
	return out
}

// fastest prefers lower ping, then higher download.
func fastest(runs []serverRun) serverRun {
	best := runs[0]
	for _, r := range runs[1:] {
		if r.ping < best.ping || (r.ping == best.ping && r.down > best.down) {
			best = r
		}
	}
	return best
}

func packetLoss(ctx context.Context, host string) float64 {
	if host == "" {
		return 0
	}
	pla := st.NewPacketLossAnalyzer(nil)
	pl, err := pla.RunMultiWithContext(ctx, []string{host})
	if err != nil || pl == nil {
		return 0
	}
	return pl.LossPercent()
}
