package models

// Usage is the generation quota state of a user.
type Usage struct {
	// Count is the number of successful generations counted against the free tier.
	Count int
	// Pro marks a subscribed user. Pro users are never limited and their generations are not counted.
	Pro bool
}

// Remaining returns how many free generations are left under limit. It is never negative.
func (u Usage) Remaining(limit int) int {
	if u.Count >= limit {
		return 0
	}
	return limit - u.Count
}

// Exhausted reports whether a non-pro user has used up the free tier.
func (u Usage) Exhausted(limit int) bool {
	return !u.Pro && u.Count >= limit
}
