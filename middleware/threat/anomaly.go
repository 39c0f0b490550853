package threat

import (
	"fmt"
	"sync"
	"time"
)

// AnomalyType labels a detected pattern.
type AnomalyType string

const (
	AnomalyHighQueryRate AnomalyType = "high_query_rate"
	AnomalyDomainFanOut  AnomalyType = "domain_fan_out"
	AnomalyHighBlockRate AnomalyType = "high_block_rate"
	AnomalyBeaconing     AnomalyType = "beaconing"
)

// Anomaly is one detected pattern for a client.
type Anomaly struct {
	Type        AnomalyType `json:"type"`
	Severity    float64     `json:"severity"`
	Description string      `json:"description"`
	DetectedAt  time.Time   `json:"detected_at"`
}

type queryRecord struct {
	domain  string
	at      time.Time
	blocked bool
}

// clientProfile holds the recent query history of one client address.
type clientProfile struct {
	mu sync.RWMutex

	recent  []queryRecord
	head    int
	filled  bool
	total   uint64
	blocked uint64

	firstSeen time.Time
	lastSeen  time.Time
}

func (p *clientProfile) record(domain string, now time.Time, blocked bool, historySize int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.recent) < historySize {
		p.recent = append(p.recent, queryRecord{domain: domain, at: now, blocked: blocked})
	} else {
		p.recent[p.head] = queryRecord{domain: domain, at: now, blocked: blocked}
		p.head = (p.head + 1) % historySize
		p.filled = true
	}

	p.total++
	if blocked {
		p.blocked++
	}
	p.lastSeen = now
}

// Detector finds unusual DNS behaviour per client address.
type Detector struct {
	mu       sync.RWMutex
	profiles map[string]*clientProfile

	maxProfiles int
	historySize int
	profileTTL  time.Duration

	// baselines for severity scaling
	baselineQPM    float64
	baselineFanOut float64

	now func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewDetector creates a detector with background profile aging.
func NewDetector() *Detector {
	d := &Detector{
		profiles:    make(map[string]*clientProfile),
		maxProfiles: maxProfiles,
		historySize: historySize,
		profileTTL:  profileTTL,

		baselineQPM:    10,
		baselineFanOut: 50,

		now: time.Now,

		stop: make(chan struct{}),
	}

	go d.periodicCleanup()

	return d
}

// Close stops the profile aging goroutine.
func (d *Detector) Close() error {
	d.stopOnce.Do(func() { close(d.stop) })
	return nil
}

// Record adds one query observation for a client.
func (d *Detector) Record(client, domain string, blocked bool) {
	profile := d.getOrCreateProfile(client)
	profile.record(domain, d.now(), blocked, d.historySize)
}

// Check evaluates the recorded history of a client.
func (d *Detector) Check(client string) []Anomaly {
	d.mu.RLock()
	profile, ok := d.profiles[client]
	d.mu.RUnlock()

	if !ok {
		return nil
	}

	profile.mu.RLock()
	defer profile.mu.RUnlock()

	now := d.now()
	var anomalies []Anomaly

	// queries in the last minute, per domain counts for beacon detection
	lastMinute := 0
	lastHourDomains := make(map[string]struct{})
	domainCounts := make(map[string]int)

	for _, q := range profile.recent {
		age := now.Sub(q.at)
		if age < time.Minute {
			lastMinute++
			domainCounts[q.domain]++
		}
		if age < time.Hour {
			lastHourDomains[q.domain] = struct{}{}
		}
	}

	if lastMinute > maxQueriesPerMinute {
		anomalies = append(anomalies, Anomaly{
			Type:     AnomalyHighQueryRate,
			Severity: severity(float64(lastMinute), d.baselineQPM),
			Description: fmt.Sprintf("Unusually high query rate: %d queries/min (baseline: %.0f)",
				lastMinute, d.baselineQPM),
			DetectedAt: now,
		})
	}

	if len(lastHourDomains) > maxUniqueDomainsPerHour {
		anomalies = append(anomalies, Anomaly{
			Type:     AnomalyDomainFanOut,
			Severity: severity(float64(len(lastHourDomains)), d.baselineFanOut),
			Description: fmt.Sprintf("Possible generated-name churn: %d unique domains/hour (baseline: %.0f)",
				len(lastHourDomains), d.baselineFanOut),
			DetectedAt: now,
		})
	}

	if profile.total > 10 {
		blockRate := float64(profile.blocked) / float64(profile.total)
		if blockRate > 0.5 {
			anomalies = append(anomalies, Anomaly{
				Type:        AnomalyHighBlockRate,
				Severity:    blockRate,
				Description: fmt.Sprintf("High block rate: %.1f%% of queries blocked", blockRate*100),
				DetectedAt:  now,
			})
		}
	}

	for domain, count := range domainCounts {
		if count > beaconThreshold {
			sev := float64(count) / 60
			if sev > 1 {
				sev = 1
			}
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalyBeaconing,
				Severity: sev,
				Description: fmt.Sprintf("Beaconing pattern: %d queries to %s in 1 minute",
					count, domain),
				DetectedAt: now,
			})
		}
	}

	return anomalies
}

// TrackedClients returns the profile count.
func (d *Detector) TrackedClients() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.profiles)
}

func (d *Detector) getOrCreateProfile(client string) *clientProfile {
	d.mu.RLock()
	profile, ok := d.profiles[client]
	d.mu.RUnlock()

	if ok {
		return profile
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if profile, ok := d.profiles[client]; ok {
		return profile
	}

	if len(d.profiles) >= d.maxProfiles {
		d.cleanupLocked()
	}

	now := d.now()
	profile = &clientProfile{firstSeen: now, lastSeen: now}
	d.profiles[client] = profile

	return profile
}

func (d *Detector) periodicCleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.mu.Lock()
			d.cleanupLocked()
			d.mu.Unlock()
		case <-d.stop:
			return
		}
	}
}

// cleanupLocked drops idle profiles, write lock must be held.
func (d *Detector) cleanupLocked() {
	now := d.now()

	for client, profile := range d.profiles {
		profile.mu.RLock()
		lastSeen := profile.lastSeen
		profile.mu.RUnlock()

		if now.Sub(lastSeen) > d.profileTTL {
			delete(d.profiles, client)
		}
	}
}

// severity scales how far a value sits above its baseline.
func severity(value, baseline float64) float64 {
	switch ratio := value / baseline; {
	case ratio < 2:
		return 0.2
	case ratio < 5:
		return 0.4
	case ratio < 10:
		return 0.6
	case ratio < 20:
		return 0.8
	default:
		return 1.0
	}
}

const (
	maxQueriesPerMinute     = 100
	maxUniqueDomainsPerHour = 500
	historySize             = 1000
	maxProfiles             = 10000
	profileTTL              = time.Hour
	cleanupInterval         = 10 * time.Minute
	beaconThreshold         = 10
)
