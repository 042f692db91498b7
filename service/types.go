package service

// KnownLabels is the garment taxonomy of dima806/clothes_image_detection,
// used when the model directory ships no id2label mapping.
var KnownLabels = []string{
	"Blazer", "Coat", "Denim Jacket", "Dresses", "Hoodie",
	"Jacket", "Jeans", "Long Pants", "Polo", "Shirt",
	"Shorts", "Skirt", "Sports Jacket", "Sweater", "T-shirt",
}

type ClassifyRequest struct {
	ImageURL string `json:"image_url" binding:"required,url"`
	// Labels is accepted for compatibility with zero-shot clients and ignored.
	Labels []string `json:"labels"`
}

type LabelScore struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

type ClassifyResponse struct {
	Labels []LabelScore `json:"labels"`
}

// Empty is the per-item marker for a failed batch entry.
func Empty() ClassifyResponse {
	return ClassifyResponse{Labels: []LabelScore{}}
}

type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Device      string `json:"device"`
}
