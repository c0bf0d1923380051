package domain

// Grade is a letter grade.
type Grade string

// Letter grades from best to worst.
const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// GradeForPercentage maps a percentage of the maximum score onto a letter grade.
func GradeForPercentage(pct float64) Grade {
	switch {
	case pct >= 90:
		return GradeA
	case pct >= 80:
		return GradeB
	case pct >= 70:
		return GradeC
	case pct >= 60:
		return GradeD
	default:
		return GradeF
	}
}

// GradeForError maps a titration percentage error onto a letter grade.
func GradeForError(pctErr float64) Grade {
	switch {
	case pctErr <= 1:
		return GradeA
	case pctErr <= 3:
		return GradeB
	case pctErr <= 5:
		return GradeC
	case pctErr <= 10:
		return GradeD
	default:
		return GradeF
	}
}
