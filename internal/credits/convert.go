package credits

// One credit buys six minutes of chat time.
const (
	MinutesPerCredit = 6
	SecondsPerCredit = MinutesPerCredit * 60
)

func ToSeconds(credits int64) int64 {
	return credits * SecondsPerCredit
}

func ToMinutes(credits int64) int64 {
	return credits * MinutesPerCredit
}

// FromMinutes returns the credits needed to cover minutes, rounded up.
func FromMinutes(minutes int64) int64 {
	if minutes <= 0 {
		return 0
	}
	return (minutes + MinutesPerCredit - 1) / MinutesPerCredit
}
