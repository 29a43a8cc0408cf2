package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/pweper/keygate/internal/models"
)

const collectTimeout = 5 * time.Second

// LicenseCollector exposes store-level license statistics to Prometheus.
type LicenseCollector struct {
	store *models.LicenseStore

	scrapeErrors atomic.Int64

	ownersDesc       *prometheus.Desc
	keysDesc         *prometheus.Desc
	activeKeysDesc   *prometheus.Desc
	transactionsDesc *prometheus.Desc
	revenueDesc      *prometheus.Desc
	scrapeErrorsDesc *prometheus.Desc
}

func NewLicenseCollector(store *models.LicenseStore) *LicenseCollector {
	return &LicenseCollector{
		store: store,

		ownersDesc: prometheus.NewDesc(
			"keygate_owners_total",
			"Number of known license owners",
			nil,
			nil,
		),
		keysDesc: prometheus.NewDesc(
			"keygate_keys_total",
			"Number of issued license keys",
			nil,
			nil,
		),
		activeKeysDesc: prometheus.NewDesc(
			"keygate_keys_active",
			"Number of license keys that have not expired",
			nil,
			nil,
		),
		transactionsDesc: prometheus.NewDesc(
			"keygate_transactions_total",
			"Number of recorded sale transactions",
			nil,
			nil,
		),
		revenueDesc: prometheus.NewDesc(
			"keygate_revenue_total",
			"Cumulative revenue by payment method",
			[]string{"method"},
			nil,
		),
		scrapeErrorsDesc: prometheus.NewDesc(
			"keygate_scrape_errors_total",
			"Number of failed statistics scrapes",
			nil,
			nil,
		),
	}
}

func (c *LicenseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ownersDesc
	ch <- c.keysDesc
	ch <- c.activeKeysDesc
	ch <- c.transactionsDesc
	ch <- c.revenueDesc
	ch <- c.scrapeErrorsDesc
}

func (c *LicenseCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	stats, err := c.store.Statistics(ctx, time.Now())
	if err != nil {
		c.scrapeErrors.Add(1)
		log.Error().Err(err).Msg("Failed to collect license statistics")
	} else {
		ch <- prometheus.MustNewConstMetric(c.ownersDesc, prometheus.GaugeValue, float64(stats.TotalOwners))
		ch <- prometheus.MustNewConstMetric(c.keysDesc, prometheus.GaugeValue, float64(stats.TotalKeys))
		ch <- prometheus.MustNewConstMetric(c.activeKeysDesc, prometheus.GaugeValue, float64(stats.ActiveKeys))
		ch <- prometheus.MustNewConstMetric(c.transactionsDesc, prometheus.GaugeValue, float64(stats.TotalTransactions))
		for method, total := range stats.RevenueByMethod {
			ch <- prometheus.MustNewConstMetric(c.revenueDesc, prometheus.CounterValue, float64(total), method)
		}
	}

	ch <- prometheus.MustNewConstMetric(c.scrapeErrorsDesc, prometheus.CounterValue, float64(c.scrapeErrors.Load()))
}
