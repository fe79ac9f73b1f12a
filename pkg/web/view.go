package web

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"math"
	"time"

	"github.com/muainishi/platform/pkg/ingestion"
	"github.com/muainishi/platform/pkg/session"
)

//go:embed templates/*.html
var templateFS embed.FS

type pages struct {
	index *template.Template
}

var funcs = template.FuncMap{
	"percent": func(v float64) int { return int(math.Round(v * 100)) },
	"width": func(v float64) template.CSS {
		return template.CSS(fmt.Sprintf("%.1f%%", math.Max(0, math.Min(100, v))))
	},
	"probWidth": func(v float64) template.CSS {
		return template.CSS(fmt.Sprintf("%.1f%%", math.Max(0, math.Min(100, v*100))))
	},
	"sexOptions": func() []string { return []string{"Male", "Female", "Other"} },
	"evidenceClass": func(level string) string {
		switch level {
		case "Standard of Care":
			return "tag-standard"
		case "Emerging":
			return "tag-emerging"
		case "Clinical Trial Option":
			return "tag-trial"
		default:
			return "tag-other"
		}
	},
	"kb": func(size int64) string {
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	},
}

func loadPages() (*pages, error) {
	index, err := template.New("index.html").Funcs(funcs).ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	return &pages{index: index}, nil
}

func (p *pages) renderIndex(w io.Writer, view pageView) error {
	return p.index.Execute(w, view)
}

type slotView struct {
	Slot     ingestion.Slot
	Label    string
	Hint     string
	Accept   string
	File     *ingestion.File
	Disabled bool
	// CaseInput marks slots whose file alone makes a case classifiable.
	CaseInput bool
}

func (s slotView) InputName() string {
	return "file_" + string(s.Slot)
}

type pageView struct {
	State        *session.State
	Gene         slotView
	Imaging      slotView
	Demographics slotView
	Progress     int
	Refresh      bool
	CanClassify  bool
	ClassifyBusy bool
	HasCaseFiles bool
	CanFetchInfo bool
	FieldsLocked bool
	FormDisabled bool
}

// newPageView derives everything the template shows from the state at now.
func newPageView(st *session.State, now time.Time) pageView {
	busy := st.Classifying
	progress := st.Progress(now)
	return pageView{
		State: st,
		Gene: slotView{
			Slot:      ingestion.SlotGene,
			Label:     "Gene Expression Data",
			Hint:      "CSV, TSV or TXT",
			Accept:    ingestion.SlotGene.Accept(),
			File:      st.GeneFile,
			Disabled:  busy,
			CaseInput: true,
		},
		Imaging: slotView{
			Slot:      ingestion.SlotImaging,
			Label:     "Medical Imaging Report",
			Hint:      "TXT, PDF, DOC or DOCX",
			Accept:    ingestion.SlotImaging.Accept(),
			File:      st.ImagingFile,
			Disabled:  busy,
			CaseInput: true,
		},
		Demographics: slotView{
			Slot:     ingestion.SlotDemographics,
			Label:    "Patient Demographics File",
			Hint:     "JSON, PDF, DOCX, CSV or XLSX",
			Accept:   ingestion.SlotDemographics.Accept(),
			File:     st.DemographicsFile,
			Disabled: busy || st.DemographicsParsing,
		},
		Progress:     progress,
		Refresh:      progress >= 0,
		CanClassify:  st.CanClassify() && !st.FetchingInfo,
		ClassifyBusy: st.Classifying || st.FetchingInfo,
		HasCaseFiles: st.GeneFile != nil || st.ImagingFile != nil,
		CanFetchInfo: st.Result != nil && !st.FetchingInfo && !st.Classifying,
		FieldsLocked: st.DemographicsLocked() || busy,
		FormDisabled: busy,
	}
}
