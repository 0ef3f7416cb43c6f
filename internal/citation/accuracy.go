package citation

// Counts tallies citations by status.
type Counts struct {
	Total        int `json:"total_citations"`
	Valid        int `json:"valid_citations"`
	Misused      int `json:"misused_citations"`
	Hallucinated int `json:"hallucinated_citations"`
}

// Tally counts citations by status.
func Tally(citations []Citation) Counts {
	var c Counts
	for _, cit := range citations {
		c.Add(cit.Status)
	}
	return c
}

// Add counts one citation.
func (c *Counts) Add(s Status) {
	c.Total++
	switch s {
	case StatusValid:
		c.Valid++
	case StatusExistsButMisused:
		c.Misused++
	case StatusHallucinated:
		c.Hallucinated++
	}
}

// Merge adds other into c.
func (c *Counts) Merge(other Counts) {
	c.Total += other.Total
	c.Valid += other.Valid
	c.Misused += other.Misused
	c.Hallucinated += other.Hallucinated
}

// Accuracy is Valid / Total, or 0 when there are no citations.
func (c Counts) Accuracy() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Valid) / float64(c.Total)
}

// Accuracy is the share of valid citations, or 0 when there are none.
func Accuracy(citations []Citation) float64 {
	return Tally(citations).Accuracy()
}
