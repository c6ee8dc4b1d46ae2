// Package metrics exposes the engine's observer events as Prometheus
// collectors.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petrijr/outflow/pkg/api"
)

// PrometheusObserver is an api.Observer that maintains Prometheus metrics
// for campaign execution. All counters are labeled by campaign so one
// registry can serve many campaigns.
type PrometheusObserver struct {
	enrolled    *prometheus.CounterVec
	closed      *prometheus.CounterVec
	escalated   *prometheus.CounterVec
	transferred *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	effects     *prometheus.CounterVec
	evalSeconds *prometheus.HistogramVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the outflow collectors with reg and
// returns the observer. Pass prometheus.DefaultRegisterer to use the
// process-wide registry.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	factory := promauto.With(reg)
	return &PrometheusObserver{
		enrolled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_leads_enrolled_total",
			Help: "Leads enrolled into a campaign.",
		}, []string{"campaign"}),
		closed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_leads_closed_total",
			Help: "Leads that reached a closing node, by final status.",
		}, []string{"campaign", "final_status"}),
		escalated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_leads_escalated_total",
			Help: "Leads handed off to a human.",
		}, []string{"campaign"}),
		transferred: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_leads_transferred_total",
			Help: "Leads moved between campaigns.",
		}, []string{"campaign"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_events_dropped_total",
			Help: "Events discarded as no-ops, by reason.",
		}, []string{"reason"}),
		effects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_effects_total",
			Help: "Side-effect attempts, by kind and result.",
		}, []string{"campaign", "kind", "result"}),
		evalSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outflow_node_eval_seconds",
			Help:    "Node evaluation duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"campaign", "node_kind"}),
	}
}

func (o *PrometheusObserver) OnEnroll(ctx context.Context, lead *api.LeadContext) {
	o.enrolled.WithLabelValues(lead.CampaignID).Inc()
}

func (o *PrometheusObserver) OnNodeOutcome(ctx context.Context, lead *api.LeadContext, nodeID string, kind api.NodeKind, outcome api.Outcome, d time.Duration) {
	o.evalSeconds.WithLabelValues(lead.CampaignID, string(kind)).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnEffect(ctx context.Context, lead *api.LeadContext, effect api.Effect, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.effects.WithLabelValues(lead.CampaignID, string(effect.Kind), result).Inc()
}

func (o *PrometheusObserver) OnLeadClosed(ctx context.Context, lead *api.LeadContext) {
	o.closed.WithLabelValues(lead.CampaignID, lead.FinalStatus).Inc()
}

func (o *PrometheusObserver) OnEscalated(ctx context.Context, lead *api.LeadContext, reason string) {
	o.escalated.WithLabelValues(lead.CampaignID).Inc()
}

func (o *PrometheusObserver) OnTransfer(ctx context.Context, lead *api.LeadContext, fromCampaign string) {
	o.transferred.WithLabelValues(lead.CampaignID).Inc()
}

func (o *PrometheusObserver) OnEventDropped(ctx context.Context, leadID string, ev api.InboundEvent, reason string) {
	o.dropped.WithLabelValues(reason).Inc()
}
