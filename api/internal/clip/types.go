package clip

// LabelScore — одна строка ответа /api/analyze.
type LabelScore struct {
	Text        string  `json:"text"`
	Probability float64 `json:"probability"`
	Similarity  float64 `json:"similarity,omitempty"`
}

// ImageMatch — одна строка ответа /api/search_images; порядок в ответе и есть ранг.
type ImageMatch struct {
	ImageIndex  int     `json:"image_index,omitempty"`
	ImageName   string  `json:"image_name"`
	ImageData   string  `json:"image_data"` // data:image/...;base64,...
	Probability float64 `json:"probability"`
	Similarity  float64 `json:"similarity,omitempty"`
}

// Health is the body of GET /api/health.
type Health struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// envelope covers every JSON body the backend sends: results, error, or neither.
type envelope[T any] struct {
	Results *[]T   `json:"results"`
	Error   string `json:"error"`
}
