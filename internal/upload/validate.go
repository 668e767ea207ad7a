package upload

// MaxFileSize is the largest accepted upload in bytes.
const MaxFileSize = 10 * 1024 * 1024

// AllowedContentTypes lists the accepted declared MIME types. image/jpg is a
// common non-standard alias for image/jpeg.
var AllowedContentTypes = []string{"image/jpeg", "image/jpg", "image/png", "image/webp"}

// Check names the policy check a file failed.
type Check string

const (
	CheckType Check = "type"
	CheckSize Check = "size"
)

// ValidationError is returned by Validate. Message is safe to show to users.
type ValidationError struct {
	Check   Check
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

var (
	ErrUnsupportedType = &ValidationError{Check: CheckType, Message: "Please upload a valid image file (JPEG, PNG, or WebP)"}
	ErrTooLarge        = &ValidationError{Check: CheckSize, Message: "Image size must be less than 10MB"}
)

// Validate checks f against the type and size policy. The type check runs
// first, so a disallowed type is reported whatever the size.
func Validate(f File) error {
	if !AllowedType(f.ContentType) {
		return ErrUnsupportedType
	}
	if f.Size > MaxFileSize {
		return ErrTooLarge
	}
	return nil
}

// AllowedType reports whether contentType exactly matches an allowed type.
func AllowedType(contentType string) bool {
	for _, allowed := range AllowedContentTypes {
		if contentType == allowed {
			return true
		}
	}
	return false
}
