// Package upload describes candidate image files and the policy they must
// satisfy before a session will preview or classify them.
package upload

// File is a single user-selected file as declared by the client.
// ContentType is the declared MIME type, not a sniffed one.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Data        []byte
}

// FromBytes builds a File whose size is the length of data.
func FromBytes(name, contentType string, data []byte) File {
	return File{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Data:        data,
	}
}
