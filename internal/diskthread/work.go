// Package diskthread performs the local disk operations of FTP transfers on a
// single goroutine: creating target files and directories with conflict
// resolution, writing downloaded data with resume verification, reading
// upload sources, listing and deleting, and closing finished files.
package diskthread

import (
	"context"
	"fmt"
	"os"
)

// WorkType selects the operation performed for a Work item.
type WorkType int

const (
	WorkCreateDir WorkType = iota
	WorkCreateFile
	// WorkRetryCreatedFile re-opens a file created by an earlier attempt.
	WorkRetryCreatedFile
	// WorkRetryResumedFile re-opens a file resumed by an earlier attempt.
	WorkRetryResumedFile
	WorkCheckOrWriteFile
	WorkCreateAndWriteFile
	WorkListDir
	WorkDeleteDir
	WorkOpenFileForReading
	WorkReadFile
	WorkReadFileASCII
	WorkDeleteFile
)

var workTypeNames = [...]string{
	WorkCreateDir:          "create dir",
	WorkCreateFile:         "create file",
	WorkRetryCreatedFile:   "retry created file",
	WorkRetryResumedFile:   "retry resumed file",
	WorkCheckOrWriteFile:   "check or write file",
	WorkCreateAndWriteFile: "create and write file",
	WorkListDir:            "list dir",
	WorkDeleteDir:          "delete dir",
	WorkOpenFileForReading: "open file for reading",
	WorkReadFile:           "read file",
	WorkReadFileASCII:      "read file ASCII",
	WorkDeleteFile:         "delete file",
}

func (t WorkType) String() string {
	if t >= 0 && int(t) < len(workTypeNames) {
		return workTypeNames[t]
	}
	return fmt.Sprintf("WorkType(%d)", int(t))
}

// CannotCreate is the policy for a name which cannot be created.
type CannotCreate int

const (
	CannotCreatePrompt CannotCreate = iota
	CannotCreateAutorename
	CannotCreateSkip
)

// FileExists is the policy for a target file which already exists.
type FileExists int

const (
	FileExistsPrompt FileExists = iota
	FileExistsAutorename
	FileExistsResume
	FileExistsResumeOrOverwrite
	FileExistsOverwrite
	FileExistsSkip
)

// DirExists is the policy for a target directory which already exists.
type DirExists int

const (
	DirExistsPrompt DirExists = iota
	DirExistsAutorename
	DirExistsJoin
	DirExistsSkip
)

// RetryPolicy is the policy for a file left behind by an earlier attempt of
// the same item (created or resumed by the client itself).
type RetryPolicy int

const (
	RetryPrompt RetryPolicy = iota
	RetryAutorename
	RetryResume
	RetryResumeOrOverwrite
	RetryOverwrite
	RetrySkip
)

// ForceAction is the answer the user gave to an earlier problem of the item.
type ForceAction int

const (
	ForceNone ForceAction = iota
	ForceAutorename
	ForceUseExistingDir
	ForceResume
	ForceResumeOrOverwrite
	ForceOverwrite
	// ForceReduceFileSizeAndResume cuts the resume overlap off the end of
	// the file before resuming.
	ForceReduceFileSizeAndResume
)

// ItemState is the state of the queue item the work belongs to.
type ItemState int

const (
	StateNone ItemState = iota
	StateDone
	StateWaiting
	StateProcessing
	StateDelayed
	StateSkipped
	StateFailed
	StateUserInputNeeded
	StateForcedToFail
)

var itemStateNames = [...]string{
	StateNone:            "none",
	StateDone:            "done",
	StateWaiting:         "waiting",
	StateProcessing:      "processing",
	StateDelayed:         "delayed",
	StateSkipped:         "skipped",
	StateFailed:          "failed",
	StateUserInputNeeded: "user input needed",
	StateForcedToFail:    "forced to fail",
}

func (s ItemState) String() string {
	if s >= 0 && int(s) < len(itemStateNames) {
		return itemStateNames[s]
	}
	return fmt.Sprintf("ItemState(%d)", int(s))
}

// Problem identifies the problem reported for a queue item. The values are
// shared with the operation queue.
type Problem int

const (
	ProblemOK                     Problem = 0
	ProblemLowMem                 Problem = 1
	ProblemCannotCreateTgtFile    Problem = 2
	ProblemCannotCreateTgtDir     Problem = 3
	ProblemTgtFileAlreadyExists   Problem = 4
	ProblemTgtDirAlreadyExists    Problem = 5
	ProblemRetryOnCreatedFile     Problem = 6
	ProblemRetryOnResumedFile     Problem = 7
	ProblemInvalidPathToDir       Problem = 10
	ProblemUnableToResume         Problem = 25
	ProblemResumeTestFailed       Problem = 26
	ProblemTgtFileReadError       Problem = 27
	ProblemTgtFileWriteError      Problem = 28
	ProblemIncompleteDownload     Problem = 29
	ProblemUploadCannotListSrc    Problem = 35
	ProblemUnableToDeleteDiskDir  Problem = 37
	ProblemUploadCannotOpenSrc    Problem = 39
	ProblemSrcFileReadError       Problem = 43
	ProblemUnableToDeleteDiskFile Problem = 45
)

var problemText = map[Problem]string{
	ProblemOK:                     "ok",
	ProblemLowMem:                 "insufficient system resources",
	ProblemCannotCreateTgtFile:    "unable to create or open target file",
	ProblemCannotCreateTgtDir:     "unable to create target directory",
	ProblemTgtFileAlreadyExists:   "target file already exists",
	ProblemTgtDirAlreadyExists:    "target directory already exists",
	ProblemRetryOnCreatedFile:     "retry on file created or overwritten by this operation",
	ProblemRetryOnResumedFile:     "retry on file resumed by this operation",
	ProblemInvalidPathToDir:       "path to directory is too long or invalid",
	ProblemUnableToResume:         "unable to resume file transfer",
	ProblemResumeTestFailed:       "unable to resume file transfer, unexpected tail of file (file has changed)",
	ProblemTgtFileReadError:       "error reading target file",
	ProblemTgtFileWriteError:      "error writing target file",
	ProblemIncompleteDownload:     "unable to retrieve file from server",
	ProblemUploadCannotListSrc:    "unable to list source path",
	ProblemUnableToDeleteDiskDir:  "unable to delete directory on disk",
	ProblemUploadCannotOpenSrc:    "unable to open source file",
	ProblemSrcFileReadError:       "error reading source file",
	ProblemUnableToDeleteDiskFile: "unable to delete file on disk",
}

func (p Problem) String() string {
	if s, ok := problemText[p]; ok {
		return s
	}
	return fmt.Sprintf("Problem(%d)", int(p))
}

// ReadBufferSize is the amount of source file data read by one
// WorkReadFile item.
const ReadBufferSize = 64 * 1024

// ListingItem is one entry of a WorkListDir result.
type ListingItem struct {
	Name  string
	IsDir bool
	Size  int64
}

// Work is one disk operation. The caller fills the input fields, hands the
// item to Thread.AddWork and must not touch it until Done is closed. Done is
// never closed for a canceled item.
type Work struct {
	Type WorkType

	// Path is the local directory and Name the file or directory in it.
	Path string
	Name string
	// AlreadyRenamedName marks a name produced by an earlier autorename;
	// a new autorename continues its " (n)" numbering.
	AlreadyRenamedName bool
	Force              ForceAction

	CannotCreateDir    CannotCreate
	DirExists          DirExists
	CannotCreateFile   CannotCreate
	FileExists         FileExists
	RetryOnCreatedFile RetryPolicy
	RetryOnResumedFile RetryPolicy

	// ResumeOverlap is removed from the end of the file by
	// ForceReduceFileSizeAndResume.
	ResumeOverlap int64

	// CheckFromOffset < Offset asks WorkCheckOrWriteFile to verify the file
	// from CheckFromOffset against Data before writing.
	CheckFromOffset int64
	// Offset is where Data is written or where reading starts. Read items
	// advance it.
	Offset int64
	// Data is the buffer written to or read from the file.
	Data []byte
	// EOLs counts the line ends in Data produced by WorkReadFileASCII.
	EOLs int
	// File is the already open file of write and read items.
	File *os.File

	// Results.
	State     ItemState
	Problem   Problem
	OSError   error
	NewName   string // autorenamed name, empty when unchanged
	Opened    *os.File
	FileSize  int64
	Listing   []ListingItem
	EOF       bool

	CanOverwrite       bool // the file was created or overwritten, not resumed
	CanDeleteEmptyFile bool // the file was created by this work

	done chan struct{}
}

// Done is closed once the results are filled in.
func (w *Work) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the work is finished or ctx ends.
func (w *Work) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failed reports whether the work ended with a problem.
func (w *Work) Failed() bool {
	return w.State == StateFailed || w.State == StateSkipped || w.State == StateUserInputNeeded
}

// Err describes the problem of a finished work, nil when there is none.
func (w *Work) Err() error {
	if !w.Failed() {
		return nil
	}
	return &WorkError{Type: w.Type, Name: w.Name, State: w.State, Problem: w.Problem, Err: w.OSError}
}

func (w *Work) fail(state ItemState, p Problem, err error) {
	w.State = state
	w.Problem = p
	w.OSError = err
}

// copyResults moves the results of the private copy back into the caller's
// item.
func (w *Work) copyResults(from *Work) {
	w.Name = from.Name
	w.State = from.State
	w.Problem = from.Problem
	w.OSError = from.OSError
	w.NewName = from.NewName
	w.Opened = from.Opened
	w.FileSize = from.FileSize
	w.Listing = from.Listing
	w.EOF = from.EOF
	w.CanOverwrite = from.CanOverwrite
	w.CanDeleteEmptyFile = from.CanDeleteEmptyFile
	w.Offset = from.Offset
	w.Data = from.Data
	w.EOLs = from.EOLs
}

// WorkError is returned by Work.Err.
type WorkError struct {
	Type    WorkType
	Name    string
	State   ItemState
	Problem Problem
	Err     error
}

func (e *WorkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %q: %s (%s): %v", e.Type, e.Name, e.Problem, e.State, e.Err)
	}
	return fmt.Sprintf("%s %q: %s (%s)", e.Type, e.Name, e.Problem, e.State)
}

func (e *WorkError) Unwrap() error {
	return e.Err
}
