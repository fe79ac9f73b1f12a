package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	classificationsSucceeded atomic.Int64
	classificationsFailed    atomic.Int64
	extractionsSucceeded     atomic.Int64
	extractionsFailed        atomic.Int64
	groundedSucceeded        atomic.Int64
	groundedFailed           atomic.Int64
	validationRejected       atomic.Int64
	uploadsRejected          atomic.Int64
	phiRedactions            atomic.Int64
	activeSessions           atomic.Int64
)

func ObserveClassification(ok bool) {
	if ok {
		classificationsSucceeded.Add(1)
		return
	}
	classificationsFailed.Add(1)
}

// ObserveExtraction counts finished demographics ingestions, JSON or model-extracted.
func ObserveExtraction(ok bool) {
	if ok {
		extractionsSucceeded.Add(1)
		return
	}
	extractionsFailed.Add(1)
}

func ObserveGroundedInfo(ok bool) {
	if ok {
		groundedSucceeded.Add(1)
		return
	}
	groundedFailed.Add(1)
}

func ObserveValidationRejected() { validationRejected.Add(1) }

func ObserveUploadRejected() { uploadsRejected.Add(1) }

func ObservePHIRedactions(n int) { phiRedactions.Add(int64(n)) }

func SetActiveSessions(n int) { activeSessions.Store(int64(n)) }

type metric struct {
	name  string
	help  string
	kind  string
	value *atomic.Int64
}

var all = []metric{
	{"muainishi_classifications_succeeded_total", "Classification requests that produced a result.", "counter", &classificationsSucceeded},
	{"muainishi_classifications_failed_total", "Classification requests that failed.", "counter", &classificationsFailed},
	{"muainishi_demographics_ingestions_succeeded_total", "Demographics files ingested successfully.", "counter", &extractionsSucceeded},
	{"muainishi_demographics_ingestions_failed_total", "Demographics files that could not be ingested.", "counter", &extractionsFailed},
	{"muainishi_grounded_info_succeeded_total", "Grounded information lookups that succeeded.", "counter", &groundedSucceeded},
	{"muainishi_grounded_info_failed_total", "Grounded information lookups that failed.", "counter", &groundedFailed},
	{"muainishi_validation_rejected_total", "Classification requests refused for missing case data.", "counter", &validationRejected},
	{"muainishi_uploads_rejected_total", "Uploads refused by the extension or size check.", "counter", &uploadsRejected},
	{"muainishi_phi_redactions_total", "Identifier types masked before a model call.", "counter", &phiRedactions},
	{"muainishi_active_sessions", "Sessions currently held in memory.", "gauge", &activeSessions},
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, m := range all {
		fmt.Fprintf(w, "# HELP %s %s\n", m.name, m.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", m.name, m.kind)
		fmt.Fprintf(w, "%s %d\n", m.name, m.value.Load())
	}
}
