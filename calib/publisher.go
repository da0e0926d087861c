package calib

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/simfit/align"
)

// DefaultPublishPrefix is the topic prefix used when none is configured
const DefaultPublishPrefix = "simfit"

// FitReport is the MQTT payload describing one set's current fit
type FitReport struct {
	SetID       string      `json:"setId"`
	Mode        string      `json:"mode"`
	Scale       float64     `json:"scale"`
	Rotation    [][]float64 `json:"rotation"`
	Translation align.Point `json:"translation"`
	Angle       *float64    `json:"angle,omitempty"` // degrees, 2D fits only
	RMS         float64     `json:"rms"`
	Mean        float64     `json:"mean"`
	Max         float64     `json:"max"`
	Pairs       int         `json:"pairs"`
	Manual      bool        `json:"manual,omitempty"`
	Timestamp   int64       `json:"timestamp"`
}

// NewFitReport builds the report for a cached fit
func NewFitReport(setID string, fit CachedFit) *FitReport {
	t := fit.Transform
	r := t.Rotation()
	rows := make([][]float64, t.Dim())
	for i := range rows {
		rows[i] = r.RawRowView(i)
	}

	report := &FitReport{
		SetID:       setID,
		Mode:        fit.Mode,
		Scale:       t.Scale(),
		Rotation:    rows,
		Translation: t.Translation(),
		RMS:         fit.Stats.RMS,
		Mean:        fit.Stats.Mean,
		Max:         fit.Stats.Max,
		Pairs:       fit.Stats.N,
		Manual:      fit.Manual,
		Timestamp:   time.Now().Unix(),
	}
	if angle, err := t.Angle(); err == nil {
		report.Angle = &angle
	}
	return report
}

// PointReport is the MQTT payload for a point mapped through a set's fit
type PointReport struct {
	SetID     string      `json:"setId"`
	Source    align.Point `json:"source"`
	Target    align.Point `json:"target"`
	Timestamp int64       `json:"timestamp"`
}

// Publisher publishes fit reports to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	reports       map[string]*FitReport
	mu            sync.RWMutex
}

// publishPrefix resolves the topic prefix: MQTT_PUBLISH_PREFIX, then config, then the default
func publishPrefix(config *Config) string {
	prefix := envOr("MQTT_PUBLISH_PREFIX", configValue(config, func(c *Config) string { return c.MQTT.PublishPrefix }))
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return prefix
}

// NewPublisher creates a fit publisher.
// If client is nil, publishing is disabled.
func NewPublisher(client mqtt.Client, config *Config) *Publisher {
	return &Publisher{
		client:        client,
		publishPrefix: publishPrefix(config),
		qos:           0,
		retain:        true, // late subscribers get the current fit
		reports:       make(map[string]*FitReport),
	}
}

// Prefix returns the topic prefix
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// PublishFit publishes a set's fit to {prefix}/{setID} and the combined
// {prefix}/transforms topic.
func (p *Publisher) PublishFit(setID string, fit CachedFit) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	report := NewFitReport(setID, fit)

	p.mu.Lock()
	p.reports[setID] = report
	p.mu.Unlock()

	if err := p.publishJSON(fmt.Sprintf("%s/%s", p.publishPrefix, setID), report); err != nil {
		log.Printf("[MQTT] Error publishing fit for %s: %v", setID, err)
		return err
	}
	log.Printf("[MQTT] Published fit for %s: scale=%.6g rms=%.6g", setID, report.Scale, report.RMS)

	if err := p.publishCombined(); err != nil {
		log.Printf("[MQTT] Error publishing combined transforms: %v", err)
		return err
	}

	return nil
}

// PublishPoint maps a source point through a set's fit and publishes it to {prefix}/{setID}/point
func (p *Publisher) PublishPoint(setID string, source align.Point, t align.Transform) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	target, err := t.Apply(source)
	if err != nil {
		return fmt.Errorf("mapping point for %s: %w", setID, err)
	}

	return p.publishJSON(fmt.Sprintf("%s/%s/point", p.publishPrefix, setID), &PointReport{
		SetID:     setID,
		Source:    source,
		Target:    target,
		Timestamp: time.Now().Unix(),
	})
}

func (p *Publisher) publishCombined() error {
	reports := p.GetAllReports()
	if len(reports) == 0 {
		return nil
	}

	ids := make([]string, 0, len(reports))
	for id := range reports {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sets := make([]*FitReport, 0, len(ids))
	for _, id := range ids {
		sets = append(sets, reports[id])
	}

	return p.publishJSON(fmt.Sprintf("%s/transforms", p.publishPrefix), map[string]interface{}{
		"sets":      sets,
		"timestamp": time.Now().Unix(),
	})
}

func (p *Publisher) publishJSON(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// GetReport returns the last published report for a set
func (p *Publisher) GetReport(setID string) (*FitReport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.reports[setID]
	return r, ok
}

// GetAllReports returns a copy of all published reports
func (p *Publisher) GetAllReports() map[string]*FitReport {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]*FitReport, len(p.reports))
	for id, r := range p.reports {
		rc := *r
		out[id] = &rc
	}
	return out
}

// ClearReport forgets a set's report
func (p *Publisher) ClearReport(setID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reports, setID)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
