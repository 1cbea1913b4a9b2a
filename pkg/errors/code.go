package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Job & Supervisor errors
// 12000-12999: Mount & Loader errors
// 13000-13999: Unit storage errors
// 14000-14999: Dependency errors
// 15000-15999: Command surface errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Job & Supervisor Errors (11000-11999) ==========

	AlreadyRunning        ErrorCode = 11000
	JobNotFound           ErrorCode = 11001
	SpawnError            ErrorCode = 11002
	ProcessRuntimeFailure ErrorCode = 11003
	UnsupportedUnit       ErrorCode = 11004

	// ========== Mount & Loader Errors (12000-12999) ==========

	AlreadyMounted    ErrorCode = 12000
	MountNotFound     ErrorCode = 12001
	DuplicatePrefix   ErrorCode = 12002
	InvalidPrefix     ErrorCode = 12003
	LoadFailed        ErrorCode = 12100
	MissingEntrypoint ErrorCode = 12101
	LoaderTimeout     ErrorCode = 12102

	// ========== Unit Storage Errors (13000-13999) ==========

	UnitNotFound     ErrorCode = 13000
	InvalidUnitName  ErrorCode = 13001
	UnitStoreFailed  ErrorCode = 13002
	UnitImportFailed ErrorCode = 13003

	// ========== Dependency Errors (14000-14999) ==========

	InstallFailed ErrorCode = 14000

	// ========== Command Surface Errors (15000-15999) ==========

	UnknownCommand ErrorCode = 15000
	MissingArgs    ErrorCode = 15001
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Cache
	CacheError: "Cache operation failed",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Jobs
	AlreadyRunning:        "Unit is already running",
	JobNotFound:           "Unit is not running",
	SpawnError:            "Failed to start unit process",
	ProcessRuntimeFailure: "Unit process failed",
	UnsupportedUnit:       "Unit type is not supported",

	// Mounts
	AlreadyMounted:    "Unit is already hosted",
	MountNotFound:     "Unit is not hosted",
	DuplicatePrefix:   "Mount path is already in use",
	InvalidPrefix:     "Invalid mount path",
	LoadFailed:        "Failed to load unit",
	MissingEntrypoint: "Unit has no service entrypoint",
	LoaderTimeout:     "Unit did not become ready in time",

	// Unit storage
	UnitNotFound:     "Unit not found",
	InvalidUnitName:  "Invalid unit name",
	UnitStoreFailed:  "Unit storage operation failed",
	UnitImportFailed: "Failed to import unit",

	// Dependencies
	InstallFailed: "Package installation failed",

	// Commands
	UnknownCommand: "Unknown command",
	MissingArgs:    "Missing command arguments",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == JobNotFound, c == MountNotFound, c == UnitNotFound:
		return 404
	case c == AlreadyRunning, c == AlreadyMounted, c == DuplicatePrefix:
		return 409
	case c == LoadFailed, c == MissingEntrypoint, c == UnsupportedUnit, c == InstallFailed:
		return 422
	case c == TooManyRequests:
		return 429
	case c == UnitImportFailed:
		return 502
	case c == ServiceUnavailable:
		return 503
	case c == Timeout, c == LoaderTimeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == InvalidPrefix, c == InvalidUnitName, c == UnknownCommand, c == MissingArgs:
		return 400
	default:
		return 500
	}
}

// IsNotFound reports whether the code belongs to the not-found family.
func (c ErrorCode) IsNotFound() bool {
	return c == NotFound || c == JobNotFound || c == MountNotFound || c == UnitNotFound
}
