package matching

// Weights is one weight vector over the six factors. Each table sums to 1.
type Weights struct {
	Distance     float64 `json:"distance"`
	Availability float64 `json:"availability"`
	Rating       float64 `json:"rating"`
	Experience   float64 `json:"experience"`
	Price        float64 `json:"price"`
	ResponseTime float64 `json:"response_time"`
}

var (
	// StandardWeights applies to standard, non-premium requests.
	StandardWeights = Weights{
		Distance:     0.25,
		Availability: 0.20,
		Rating:       0.20,
		Experience:   0.15,
		Price:        0.12,
		ResponseTime: 0.08,
	}
	// PriorityWeights applies to urgent, emergency and premium requests.
	// Response time rises to 0.25 and distance grows slightly.
	PriorityWeights = Weights{
		Distance:     0.28,
		Availability: 0.15,
		Rating:       0.15,
		Experience:   0.09,
		Price:        0.08,
		ResponseTime: 0.25,
	}
)

const (
	premiumBoost              = 1.2
	premiumRatingThreshold    = 4.8
	premiumResponseThreshold  = 10.0 // minutes, exclusive
	certificationBonusMaximum = 0.05
)

func (w Weights) Sum() float64 {
	return w.Distance + w.Availability + w.Rating + w.Experience + w.Price + w.ResponseTime
}

// WeightsFor selects the table for a request.
func WeightsFor(req ServiceRequest) Weights {
	if req.IsPremium || req.Urgency.Expedited() {
		return PriorityWeights
	}
	return StandardWeights
}
