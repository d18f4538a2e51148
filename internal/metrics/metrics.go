// Package metrics exports prometheus collectors for repository activity.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/systemshift/contentrepo/internal/content/core"
	"github.com/systemshift/contentrepo/internal/content/repository"
	"github.com/systemshift/contentrepo/internal/content/store"
)

var (
	// saveTotal counts session saves by result: "success" or the error kind.
	saveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contentrepo_saves_total",
		Help: "Total session saves by result",
	}, []string{"result"})

	saveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "contentrepo_save_duration_seconds",
		Help:    "Session save duration, validation included",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
	})

	saveChanges = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "contentrepo_save_changed_nodes",
		Help:    "Changed nodes per successful save",
		Buckets: []float64{1, 5, 10, 50, 100, 1000},
	})

	queryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contentrepo_queries_total",
		Help: "Total query executions by language and result",
	}, []string{"language", "result"})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contentrepo_query_duration_seconds",
		Help:    "Query execution duration",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
	}, []string{"language"})

	commitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contentrepo_store_commits_total",
		Help: "Store transactions committed",
	})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "contentrepo_store_commit_duration_seconds",
		Help:    "Backend apply duration per commit",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
	})

	loginTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contentrepo_logins_total",
		Help: "Login attempts by result",
	}, []string{"result"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contentrepo_active_sessions",
		Help: "Sessions currently logged in",
	})
)

// result labels err by its kind.
func result(err error) string {
	if err == nil {
		return "success"
	}
	return strings.ReplaceAll(core.KindOf(err).Error(), " ", "_")
}

func ObserveSave(changes int, d time.Duration, err error) {
	saveTotal.WithLabelValues(result(err)).Inc()
	saveDuration.Observe(d.Seconds())
	if err == nil && changes > 0 {
		saveChanges.Observe(float64(changes))
	}
}

func ObserveQuery(language string, d time.Duration, err error) {
	queryTotal.WithLabelValues(language, result(err)).Inc()
	queryDuration.WithLabelValues(language).Observe(d.Seconds())
}

func ObserveCommit(ev store.CommitEvent) {
	commitTotal.Inc()
	commitDuration.Observe(ev.Duration.Seconds())
}

func ObserveLogin(_ string, err error) {
	loginTotal.WithLabelValues(result(err)).Inc()
	if err == nil {
		activeSessions.Inc()
	}
}

func ObserveLogout(string) { activeSessions.Dec() }

// Hooks returns repository hooks feeding the collectors above.
func Hooks() repository.Hooks {
	return repository.Hooks{
		OnCommit: ObserveCommit,
		OnSave:   ObserveSave,
		OnQuery:  ObserveQuery,
		OnLogin:  ObserveLogin,
		OnLogout: ObserveLogout,
	}
}
