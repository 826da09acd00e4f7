// Package apierr is the Go rendering of the provider/open-file/file-manager
// error taxonomy: every core operation returns a *CoreError drawn from this
// fixed set rather than an ad-hoc error value.
package apierr

import (
	"fmt"
	"syscall"

	"github.com/objectfs/objectfs/pkg/errors"
)

// Code is one member of the error taxonomy.
type Code int

const (
	Success Code = iota
	NotImplemented
	InvalidOperation
	InvalidHandle
	InvalidVersion
	IncompatibleVersion
	ItemNotFound
	ItemExists
	DirectoryNotFound
	DirectoryExists
	DirectoryNotEmpty
	FileExists
	FileInUse
	PermissionDenied
	AccessDenied
	BadAddress
	OSError
	CommError
	DownloadFailed
	DownloadIncomplete
	DownloadStopped
	DownloadTimeout
	UploadFailed
	UploadStopped
	XattrNotFound
	XattrExists
	XattrBufferSmall
	XattrTooBig
	NotSupported
	MoreData
	Error
)

var names = map[Code]string{
	Success:             "success",
	NotImplemented:      "not_implemented",
	InvalidOperation:    "invalid_operation",
	InvalidHandle:       "invalid_handle",
	InvalidVersion:      "invalid_version",
	IncompatibleVersion: "incompatible_version",
	ItemNotFound:        "item_not_found",
	ItemExists:          "item_exists",
	DirectoryNotFound:   "directory_not_found",
	DirectoryExists:     "directory_exists",
	DirectoryNotEmpty:   "directory_not_empty",
	FileExists:          "file_exists",
	FileInUse:           "file_in_use",
	PermissionDenied:    "permission_denied",
	AccessDenied:        "access_denied",
	BadAddress:          "bad_address",
	OSError:             "os_error",
	CommError:           "comm_error",
	DownloadFailed:      "download_failed",
	DownloadIncomplete:  "download_incomplete",
	DownloadStopped:     "download_stopped",
	DownloadTimeout:     "download_timeout",
	UploadFailed:        "upload_failed",
	UploadStopped:       "upload_stopped",
	XattrNotFound:       "xattr_not_found",
	XattrExists:         "xattr_exists",
	XattrBufferSmall:    "xattr_buffer_small",
	XattrTooBig:         "xattr_too_big",
	NotSupported:        "not_supported",
	MoreData:            "more_data",
	Error:               "error",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "error"
}

// structuredCode maps each Code onto the matching pkg/errors.ErrorCode so
// that existing teacher error handling (errors.GetCategory, errors.Error
// composition) keeps working for core errors.
var structuredCode = map[Code]errors.ErrorCode{
	NotImplemented:      errors.ErrCodeCoreNotImplemented,
	InvalidOperation:    errors.ErrCodeCoreInvalidOperation,
	InvalidHandle:       errors.ErrCodeCoreInvalidHandle,
	InvalidVersion:      errors.ErrCodeCoreInvalidVersion,
	IncompatibleVersion: errors.ErrCodeCoreIncompatibleVer,
	ItemNotFound:        errors.ErrCodeCoreItemNotFound,
	ItemExists:          errors.ErrCodeCoreItemExists,
	DirectoryNotFound:   errors.ErrCodeCoreDirNotFound,
	DirectoryExists:     errors.ErrCodeCoreDirExists,
	DirectoryNotEmpty:   errors.ErrCodeCoreDirNotEmpty,
	FileExists:          errors.ErrCodeCoreFileExists,
	FileInUse:           errors.ErrCodeCoreFileInUse,
	PermissionDenied:    errors.ErrCodeCorePermissionDenied,
	AccessDenied:        errors.ErrCodeCoreAccessDenied,
	BadAddress:          errors.ErrCodeCoreBadAddress,
	OSError:             errors.ErrCodeCoreOSError,
	CommError:           errors.ErrCodeCoreCommError,
	DownloadFailed:      errors.ErrCodeCoreDownloadFailed,
	DownloadIncomplete:  errors.ErrCodeCoreDownloadIncomplet,
	DownloadStopped:     errors.ErrCodeCoreDownloadStopped,
	DownloadTimeout:     errors.ErrCodeCoreDownloadTimeout,
	UploadFailed:        errors.ErrCodeCoreUploadFailed,
	UploadStopped:       errors.ErrCodeCoreUploadStopped,
	XattrNotFound:       errors.ErrCodeCoreXattrNotFound,
	XattrExists:         errors.ErrCodeCoreXattrExists,
	XattrBufferSmall:    errors.ErrCodeCoreXattrBufferSmall,
	XattrTooBig:         errors.ErrCodeCoreXattrTooBig,
	NotSupported:        errors.ErrCodeCoreNotSupported,
	MoreData:            errors.ErrCodeCoreMoreData,
	Error:               errors.ErrCodeCoreGenericError,
}

// CoreError is the concrete error value every Provider/OpenFile/FileManager
// operation returns on failure.
type CoreError struct {
	Code      Code
	Op        string
	Path      string
	Cause     error
}

// New constructs a *CoreError. cause may be nil.
func New(code Code, op, path string, cause error) *CoreError {
	return &CoreError{Code: code, Op: op, Path: path, Cause: cause}
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		if e.Path != "" {
			return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Code, e.Cause)
		}
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Cause)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// Is reports whether err is a *CoreError carrying code.
func Is(err error, code Code) bool {
	ce, ok := err.(*CoreError)
	if !ok {
		return false
	}
	return ce.Code == code
}

// CodeOf extracts the Code from err, or Error if err is not a *CoreError.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	if ce, ok := err.(*CoreError); ok {
		return ce.Code
	}
	return Error
}

// ToStructured renders a *CoreError as the teacher's pkg/errors.ObjectFSError
// so it can flow through existing structured-logging and metrics call sites.
func (e *CoreError) ToStructured() *errors.ObjectFSError {
	code, ok := structuredCode[e.Code]
	if !ok {
		code = errors.ErrCodeCoreGenericError
	}
	se := errors.NewError(code, e.Error()).WithOperation(e.Op)
	if e.Path != "" {
		se = se.WithContext("path", e.Path)
	}
	if e.Cause != nil {
		se = se.WithCause(e.Cause)
	}
	return se
}

// ToErrno maps a Code onto the POSIX errno the filesystem shim reports to
// the kernel. Codes with no natural errno map to EIO.
func ToErrno(c Code) syscall.Errno {
	switch c {
	case Success:
		return 0
	case ItemNotFound, DirectoryNotFound:
		return syscall.ENOENT
	case ItemExists, FileExists, DirectoryExists:
		return syscall.EEXIST
	case PermissionDenied, AccessDenied:
		return syscall.EACCES
	case DirectoryNotEmpty:
		return syscall.ENOTEMPTY
	case InvalidOperation, InvalidHandle, BadAddress:
		return syscall.EINVAL
	case NotImplemented, NotSupported:
		return syscall.ENOTSUP
	case FileInUse:
		return syscall.EBUSY
	case DownloadTimeout:
		return syscall.ETIMEDOUT
	case DownloadStopped, UploadStopped:
		return syscall.ECANCELED
	case XattrNotFound:
		return syscall.ENODATA
	case XattrExists:
		return syscall.EEXIST
	case XattrBufferSmall:
		return syscall.ERANGE
	case XattrTooBig:
		return syscall.E2BIG
	case OSError, CommError, DownloadFailed, DownloadIncomplete, UploadFailed, Error:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
