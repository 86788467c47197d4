package errors

// Category separates failures caused by unavailable dependencies from
// failures caused by bad data or broken assumptions.
type Category string

const (
	CategoryInfrastructure Category = "infrastructure"
	CategoryLogic          Category = "logic"
)

// Categorize buckets an error for logging. Validation and schema failures
// are logic; unreachable stores, upstream providers, and timeouts are
// infrastructure.
func Categorize(err error) Category {
	switch CodeOf(err) {
	case CodeInvalidInput, CodeNotFound, CodeAlreadyExists, CodeContextLength:
		return CategoryLogic
	default:
		return CategoryInfrastructure
	}
}
