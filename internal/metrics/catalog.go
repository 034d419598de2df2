package metrics

// Metric names used by sentrix. Persisted snapshot rows refer to these names.
const (
	RequestDuration = "sentrix_request_duration_seconds"
	RequestCount    = "sentrix_request_count"

	OCRBacklog            = "sentrix_ocr_backlog"
	PredictionBacklog     = "sentrix_prediction_backlog"
	ControlBacklog        = "sentrix_control_backlog"
	ClassificationBacklog = "sentrix_classification_backlog"
	PDFBacklog            = "sentrix_pdf_backlog"
	ExportBacklog         = "sentrix_export_backlog"
	DocumentsInBacklog    = "sentrix_documents_in_backlog"
	DocumentsInError      = "sentrix_documents_in_error"
	ProcessingDelay       = "sentrix_processing_delay"
	FactoryLastUpdate     = "sentrix_factory_last_update_delay"

	OCRPages                = "sentrix_ocr_pages"
	PredictionPages         = "sentrix_prediction_pages"
	ControlDocuments        = "sentrix_control_documents"
	PDFGenerations          = "sentrix_pdf_generations"
	ClassificationDocuments = "sentrix_classification_documents"

	ModelGeneration                 = "sentrix_model_generation"
	ModelGenerationDuration         = "sentrix_model_generation_duration"
	ModelGenerationCompressedSize   = "sentrix_model_generation_compressed_size"
	ModelGenerationUncompressedSize = "sentrix_model_generation_uncompressed_size"
	ModelGenerationError            = "sentrix_model_generation_error"
	ModelSize                       = "sentrix_model_size"

	ClassificationResults = "sentrix_classification_results"

	StoreOperationSeconds = "sentrix_store_operation_seconds"
	StoreOperationErrors  = "sentrix_store_operation_errors"
	PoolSize              = "sentrix_pool_size"
	PoolMaxSize           = "sentrix_pool_max_size"
	PoolExhaustion        = "sentrix_pool_exhaustion"

	RelayFrames          = "sentrix_relay_frames_total"
	RelayDecodeErrors    = "sentrix_relay_decode_errors_total"
	RelayProducers       = "sentrix_relay_producers"
	UpdatesRejectedTotal = "sentrix_metric_updates_rejected_total"

	EstimatorCycleSeconds = "sentrix_estimator_cycle_seconds"
	EstimatorFailures     = "sentrix_estimator_failures_total"

	InFlightRequests = "sentrix_in_flight_requests"
)

// EstimatorBuckets cover estimator cycles from tens of milliseconds to minutes.
var EstimatorBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Catalog returns every metric definition sentrix registers.
func Catalog() []Definition {
	scope := []string{"scope"}
	scopeType := []string{"scope", "type"}

	return []Definition{
		// http server
		{Name: RequestDuration, Help: "HTTP request duration, in seconds", Kind: KindHistogram,
			LabelNames: []string{"method", "endpoint"}, Buckets: DefaultBuckets},
		{Name: RequestCount, Help: "HTTP request count", Kind: KindCounter,
			LabelNames: []string{"method", "endpoint", "http_status"}},
		{Name: InFlightRequests, Help: "Requests currently in flight, per worker", Kind: KindGauge,
			LabelNames: []string{"worker"}},

		// backlog
		{Name: OCRBacklog, Help: "Number of pages to be OCRed", Kind: KindGauge, LabelNames: scope},
		{Name: PredictionBacklog, Help: "Number of pages to be predicted", Kind: KindGauge, LabelNames: scope},
		{Name: ControlBacklog, Help: "Number of documents to be controlled", Kind: KindGauge, LabelNames: scope},
		{Name: ClassificationBacklog, Help: "Number of documents to be classified", Kind: KindGauge, LabelNames: scope},
		{Name: PDFBacklog, Help: "Number of documents PDF to be generated", Kind: KindGauge, LabelNames: scope},
		{Name: ExportBacklog, Help: "Number of documents to be exported", Kind: KindGauge, LabelNames: scope},
		{Name: DocumentsInBacklog, Help: "Number of documents to be processed", Kind: KindGauge, LabelNames: scope},
		{Name: DocumentsInError, Help: "Number of documents in error", Kind: KindGauge, LabelNames: scope},
		{Name: ProcessingDelay, Help: "Estimated duration, in seconds, a new document would wait before it starts being processed",
			Kind: KindGauge},
		{Name: FactoryLastUpdate, Help: "Number of seconds since the task factory last ran", Kind: KindGauge},

		// processors
		{Name: OCRPages, Help: "Count of OCRed pages", Kind: KindCounter, LabelNames: scope},
		{Name: PredictionPages, Help: "Count of predicted pages", Kind: KindCounter, LabelNames: scope},
		{Name: ControlDocuments, Help: "Count of controlled documents", Kind: KindCounter, LabelNames: scope},
		{Name: PDFGenerations, Help: "Count of generated PDFs", Kind: KindCounter, LabelNames: scope},
		{Name: ClassificationDocuments, Help: "Count of classified documents", Kind: KindCounter, LabelNames: scope},

		// model generation
		{Name: ModelGeneration, Help: "Timestamp of the last successful model generation, in milliseconds since epoch",
			Kind: KindGauge, LabelNames: scopeType},
		{Name: ModelGenerationDuration, Help: "Duration of the last successful model generation, in milliseconds",
			Kind: KindGauge, LabelNames: scopeType},
		{Name: ModelGenerationCompressedSize, Help: "Compressed size of the last successful model, in bytes",
			Kind: KindGauge, LabelNames: scopeType},
		{Name: ModelGenerationUncompressedSize, Help: "Uncompressed size of the last successful model, in bytes",
			Kind: KindGauge, LabelNames: scopeType},
		{Name: ModelGenerationError, Help: "Timestamp of the last model generation error, in milliseconds since epoch",
			Kind: KindGauge, LabelNames: []string{"scope", "type", "error"}},
		{Name: ModelSize, Help: "Size in bytes of the models loaded in memory", Kind: KindGauge, LabelNames: scope},

		// classifier
		{Name: ClassificationResults, Help: "Classifications served, by predicted label", Kind: KindCounter,
			LabelNames: []string{"label"}},

		// durable store
		{Name: StoreOperationSeconds, Help: "Time spent in durable store operations, in seconds", Kind: KindSummary,
			LabelNames: []string{"operation"}},
		{Name: StoreOperationErrors, Help: "Failed durable store operations", Kind: KindCounter,
			LabelNames: []string{"operation"}},
		{Name: PoolSize, Help: "Number of connections currently in the pool", Kind: KindGauge,
			LabelNames: []string{"pool"}},
		{Name: PoolMaxSize, Help: "Maximum number of connections in the pool", Kind: KindGauge,
			LabelNames: []string{"pool"}},
		{Name: PoolExhaustion, Help: "Number of times the pool was exhausted when acquiring a connection",
			Kind: KindCounter, LabelNames: []string{"pool"}},

		// update relay
		{Name: RelayFrames, Help: "Metric update frames received from worker processes", Kind: KindCounter,
			LabelNames: []string{"transport"}},
		{Name: RelayDecodeErrors, Help: "Metric update frames that could not be decoded", Kind: KindCounter,
			LabelNames: []string{"transport"}},
		{Name: RelayProducers, Help: "Worker processes currently connected to the relay", Kind: KindGauge},
		{Name: UpdatesRejectedTotal, Help: "Metric updates rejected by the registry", Kind: KindCounter,
			LabelNames: []string{"reason"}},

		// estimator
		{Name: EstimatorCycleSeconds, Help: "Duration of backlog estimator cycles, in seconds", Kind: KindHistogram,
			Buckets: EstimatorBuckets},
		{Name: EstimatorFailures, Help: "Backlog estimator failures, by stage", Kind: KindCounter,
			LabelNames: []string{"stage"}},
	}
}

// RegisterCatalog registers Catalog() on reg. It panics on failure.
func RegisterCatalog(reg *Registry) {
	reg.MustRegister(Catalog()...)
}

// CatalogSchema returns the schema of Catalog() for remote clients.
func CatalogSchema() *Schema {
	s, err := NewSchema(Catalog()...)
	if err != nil {
		panic(err)
	}
	return s
}
