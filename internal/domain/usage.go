package domain

import (
	"fmt"
	"math"
)

// UsageSnapshot is an academy's current consumption. It is supplied by the
// store and never mutated by billing code.
type UsageSnapshot struct {
	CurrentStudentCount   int     `json:"students"`
	CurrentTeacherCount   int     `json:"teachers"`
	CurrentStorageGB      float64 `json:"storageGb"`
	CurrentClassroomCount int     `json:"classrooms"`
}

// TotalUsers is the combined student and teacher count.
func (u UsageSnapshot) TotalUsers() int {
	return u.CurrentStudentCount + u.CurrentTeacherCount
}

// LimitCheck is the result of comparing usage against effective limits.
type LimitCheck struct {
	IsValid        bool     `json:"isValid"`
	ExceededLimits []string `json:"exceededLimits"`
}

// CheckLimits compares usage against the given user, storage, and classroom
// limits. Unlimited limits never exceed.
func CheckLimits(usage UsageSnapshot, users, storageGB, classrooms int) LimitCheck {
	exceeded := []string{}
	if users != Unlimited && usage.TotalUsers() > users {
		exceeded = append(exceeded, fmt.Sprintf("Users: %d/%d", usage.TotalUsers(), users))
	}
	if storageGB != Unlimited && usage.CurrentStorageGB > float64(storageGB) {
		exceeded = append(exceeded, fmt.Sprintf("Storage: %sGB/%dGB", formatGB(usage.CurrentStorageGB), storageGB))
	}
	if classrooms != Unlimited && usage.CurrentClassroomCount > classrooms {
		exceeded = append(exceeded, fmt.Sprintf("Classrooms: %d/%d", usage.CurrentClassroomCount, classrooms))
	}
	return LimitCheck{IsValid: len(exceeded) == 0, ExceededLimits: exceeded}
}

func formatGB(gb float64) string {
	if gb == math.Trunc(gb) {
		return fmt.Sprintf("%.0f", gb)
	}
	return fmt.Sprintf("%.2f", gb)
}
