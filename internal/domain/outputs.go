package domain

// Typed stage outputs. Each is serialized into the checkpoint's output_data;
// the JSON keys are also the keys flattened into the accumulator.

// SearchOutput is produced by the search stage.
type SearchOutput struct {
	Papers            []Paper        `json:"papers"`
	PapersFound       int            `json:"papers_found"`
	DuplicatesRemoved int            `json:"duplicates_removed"`
	Queries           []string       `json:"queries"`
	SourceCounts      map[string]int `json:"source_counts"`
	SourceErrors      []string       `json:"source_errors,omitempty"`
}

// Screening decisions.
const (
	DecisionInclude  = "include"
	DecisionExclude  = "exclude"
	DecisionConflict = "conflict"
)

// ScreeningDecision records the title/abstract screening outcome for one paper.
type ScreeningDecision struct {
	PaperID   string   `json:"paper_id"`
	Decision  string   `json:"decision"`
	Rationale string   `json:"rationale,omitempty"`
	Votes     []string `json:"votes,omitempty"`
	Filtered  bool     `json:"filtered,omitempty"`
}

// ScreenOutput is produced by the screen stage.
type ScreenOutput struct {
	IncludedPapers []Paper             `json:"included_papers"`
	Decisions      []ScreeningDecision `json:"screening_decisions"`
	PapersScreened int                 `json:"papers_screened"`
	PapersIncluded int                 `json:"papers_included"`
	PapersExcluded int                 `json:"papers_excluded"`
	Conflicts      int                 `json:"conflicts"`
}

// Document is a retrieved full-text PDF.
type Document struct {
	PaperID     string `json:"paper_id"`
	SourceURL   string `json:"source_url"`
	StoragePath string `json:"storage_path"`
	SHA256      string `json:"sha256"`
	SizeBytes   int64  `json:"size_bytes"`
}

// PDFFetchOutput is produced by the pdf_fetch stage.
type PDFFetchOutput struct {
	Documents     []Document `json:"documents"`
	PDFsRetrieved int        `json:"pdfs_retrieved"`
	PDFsMissing   int        `json:"pdfs_missing"`
	MissingPapers []string   `json:"missing_papers,omitempty"`
}

// Extraction holds the structured data pulled from one included study.
type Extraction struct {
	PaperID       string   `json:"paper_id"`
	Citation      string   `json:"citation"`
	StudyDesign   string   `json:"study_design"`
	Population    string   `json:"population"`
	SampleSize    int      `json:"sample_size"`
	Intervention  string   `json:"intervention"`
	Comparator    string   `json:"comparator"`
	Outcomes      []string `json:"outcomes"`
	EffectMeasure string   `json:"effect_measure,omitempty"`
	EffectSize    *float64 `json:"effect_size,omitempty"`
	StandardError *float64 `json:"standard_error,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	Reviewed      bool     `json:"reviewed"`
}

// ExtractOutput is produced by the extract stage.
type ExtractOutput struct {
	Extractions        []Extraction `json:"extractions"`
	ExtractionFailures []string     `json:"extraction_failures,omitempty"`
}

// Risk-of-bias judgements.
const (
	RiskLow          = "low"
	RiskSomeConcerns = "some_concerns"
	RiskHigh         = "high"
)

// RiskOfBiasDomains are the assessment domains, in reporting order.
var RiskOfBiasDomains = []string{
	"randomization",
	"deviations",
	"missing_data",
	"measurement",
	"reporting",
}

// RiskOfBiasAssessment is the judgement for one study.
type RiskOfBiasAssessment struct {
	PaperID   string            `json:"paper_id"`
	Citation  string            `json:"citation"`
	Domains   map[string]string `json:"domains"`
	Overall   string            `json:"overall"`
	Rationale string            `json:"rationale,omitempty"`
}

// RiskOfBiasOutput is produced by the rob stage.
type RiskOfBiasOutput struct {
	Assessments []RiskOfBiasAssessment `json:"risk_of_bias"`
}

// StudyEffect is one study's contribution to a pooled estimate.
type StudyEffect struct {
	PaperID    string  `json:"paper_id"`
	Citation   string  `json:"citation"`
	EffectSize float64 `json:"effect_size"`
	Variance   float64 `json:"variance"`
	Weight     float64 `json:"weight"`
}

// PooledEstimate is a pooled effect with its 95% confidence interval.
type PooledEstimate struct {
	Estimate float64 `json:"estimate"`
	SE       float64 `json:"se"`
	CILower  float64 `json:"ci_lower"`
	CIUpper  float64 `json:"ci_upper"`
}

// MetaAnalysis summarizes an inverse-variance meta-analysis.
type MetaAnalysis struct {
	Studies          int            `json:"studies"`
	InsufficientData bool           `json:"insufficient_data"`
	EffectMeasure    string         `json:"effect_measure,omitempty"`
	FixedEffect      PooledEstimate `json:"fixed_effect"`
	RandomEffects    PooledEstimate `json:"random_effects"`
	Q                float64        `json:"q"`
	DF               int            `json:"df"`
	I2               float64        `json:"i2"`
	Tau2             float64        `json:"tau2"`
	Effects          []StudyEffect  `json:"effects,omitempty"`
}

// AnalysisOutput is produced by the analysis stage.
type AnalysisOutput struct {
	MetaAnalysis MetaAnalysis `json:"meta_analysis"`
}

// PRISMACounts are the PRISMA 2020 flow diagram numbers.
type PRISMACounts struct {
	Identified          int `json:"identified"`
	DuplicatesRemoved   int `json:"duplicates_removed"`
	Screened            int `json:"screened"`
	ExcludedScreening   int `json:"excluded_screening"`
	ReportsSought       int `json:"reports_sought"`
	ReportsNotRetrieved int `json:"reports_not_retrieved"`
	ReportsAssessed     int `json:"reports_assessed"`
	Included            int `json:"included"`
}

// PRISMAOutput is produced by the prisma stage.
type PRISMAOutput struct {
	PRISMA  PRISMACounts `json:"prisma"`
	Diagram string       `json:"prisma_diagram"`
}

// Table is a rendered manuscript table.
type Table struct {
	Title    string     `json:"title"`
	Columns  []string   `json:"columns"`
	Rows     [][]string `json:"rows"`
	Markdown string     `json:"markdown"`
}

// TablesOutput is produced by the tables stage.
type TablesOutput struct {
	Tables []Table `json:"tables"`
}

// SectionOutput is produced by each manuscript writing stage.
type SectionOutput struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	WordCount int    `json:"word_count"`
}
