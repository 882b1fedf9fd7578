package diskthread

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

var (
	errInvalidName = errors.New("invalid file name")
	errNoFile      = errors.New("no open file")
)

const checkChunk = 4096

// nameTaken reports whether a create failed because something already
// exists under the name.
func nameTaken(full string, err error) bool {
	if errors.Is(err, fs.ErrExist) {
		return true
	}
	_, serr := os.Lstat(full)
	return serr == nil
}

func nameTooLong(err error) bool {
	return errors.Is(err, syscall.ENAMETOOLONG)
}

// makeWritable clears the read-only permission of a regular file. The
// returned function restores it.
func makeWritable(full string) (restore func(), ok bool) {
	fi, err := os.Stat(full)
	if err != nil || !fi.Mode().IsRegular() || fi.Mode().Perm()&0o200 != 0 {
		return func() {}, false
	}
	mode := fi.Mode().Perm()
	if os.Chmod(full, mode|0o200) != nil {
		return func() {}, false
	}
	return func() { _ = os.Chmod(full, mode) }, true
}

// attempt is the outcome of the first try to create a name.
type attempt struct {
	valid   bool
	tooLong bool
	taken   bool // something exists under the name
	exists  bool // it is of the wanted kind (a directory or a file)
	err     error
}

func (w *Work) tryCreate(isDir bool, create func(full string) error) (string, attempt) {
	a := attempt{valid: IsValidName(w.Name)}
	switch {
	case !a.valid:
		a.err = errInvalidName
		return "", a
	case len(w.Name) > MaxNameLen:
		a.tooLong = true
		a.err = syscall.ENAMETOOLONG
		return "", a
	}
	full := filepath.Join(w.Path, w.Name)
	if a.err = create(full); a.err == nil {
		return full, a
	}
	switch {
	case nameTooLong(a.err):
		a.tooLong = true
	case nameTaken(full, a.err):
		a.taken = true
		if fi, err := os.Stat(full); err == nil {
			a.exists = fi.IsDir() == isDir
		}
	}
	return "", a
}

// autorename looks for a free variant of the name and creates it. On
// success Name and NewName hold the new name.
func (w *Work) autorename(a attempt, isDir bool, create func(full string) error) (string, error) {
	origName := w.Name
	if !a.valid {
		w.Name = MakeValidName(w.Name)
	}
	base := w.Name
	counter := 1
	first := true
	if a.valid && w.AlreadyRenamedName {
		base, counter = splitRenameSuffix(w.Name)
		first = false
	}
	taken := a.taken
	err := a.err
	for {
		var name string
		if first && !a.valid && len(base) <= MaxNameLen {
			name = base
		} else {
			if !(first && (a.tooLong || !a.valid)) && !taken {
				break
			}
			num := 1
			if !first || !a.tooLong {
				counter++
				num = counter
			}
			n, ok := GenerateNewName(base, num, isDir, MaxNameLen)
			if !ok {
				err = syscall.ENAMETOOLONG
				break
			}
			if !IsValidName(n) {
				n = MakeValidName(n)
			}
			name = n
		}
		full := filepath.Join(w.Path, name)
		if err = create(full); err == nil {
			w.Name = name
			w.NewName = name
			return full, nil
		}
		taken = nameTaken(full, err)
		first = false
	}
	w.Name = origName
	w.NewName = ""
	return "", err
}

func cannotCreateState(p CannotCreate) ItemState {
	switch p {
	case CannotCreatePrompt:
		return StateUserInputNeeded
	case CannotCreateSkip:
		return StateSkipped
	}
	return StateFailed
}

// createDir returns the path of the directory it created.
func (w *Work) createDir() string {
	mkdir := func(full string) error { return os.Mkdir(full, 0o777) }
	full, a := w.tryCreate(true, mkdir)
	if a.err == nil {
		return full
	}

	autorename := false
	switch {
	case w.Force == ForceAutorename:
		autorename = true
	case w.Force == ForceUseExistingDir && a.exists:
		return ""
	case a.exists:
		switch w.DirExists {
		case DirExistsPrompt:
			w.fail(StateUserInputNeeded, ProblemTgtDirAlreadyExists, nil)
		case DirExistsAutorename:
			autorename = true
		case DirExistsJoin:
		case DirExistsSkip:
			w.fail(StateSkipped, ProblemTgtDirAlreadyExists, nil)
		}
	default:
		switch w.CannotCreateDir {
		case CannotCreatePrompt:
			w.fail(StateUserInputNeeded, ProblemCannotCreateTgtDir, a.err)
		case CannotCreateAutorename:
			autorename = true
		case CannotCreateSkip:
			w.fail(StateSkipped, ProblemCannotCreateTgtDir, a.err)
		}
	}
	if !autorename {
		return ""
	}
	full, err := w.autorename(a, true, mkdir)
	if err != nil {
		w.fail(cannotCreateState(w.CannotCreateDir), ProblemCannotCreateTgtDir, err)
	}
	return full
}

type fileAction int

const (
	actNone fileAction = iota
	actAutorename
	actResume
	actResumeOrOverwrite
	actOverwrite
)

// existingFileAction applies the policy of the work type to an existing
// target file.
func (w *Work) existingFileAction() fileAction {
	var (
		policy  RetryPolicy
		problem Problem
	)
	switch w.Type {
	case WorkRetryCreatedFile:
		policy, problem = w.RetryOnCreatedFile, ProblemRetryOnCreatedFile
	case WorkRetryResumedFile:
		policy, problem = w.RetryOnResumedFile, ProblemRetryOnResumedFile
	default:
		// FileExists and RetryPolicy share their order.
		policy, problem = RetryPolicy(w.FileExists), ProblemTgtFileAlreadyExists
	}
	switch policy {
	case RetryPrompt:
		w.fail(StateUserInputNeeded, problem, nil)
	case RetryAutorename:
		return actAutorename
	case RetryResume:
		return actResume
	case RetryResumeOrOverwrite:
		return actResumeOrOverwrite
	case RetryOverwrite:
		return actOverwrite
	case RetrySkip:
		w.fail(StateSkipped, problem, nil)
	}
	return actNone
}

func (w *Work) setCreated(f *os.File) {
	w.Opened = f
	w.FileSize = 0
	w.CanOverwrite = true
	w.CanDeleteEmptyFile = true
}

// createFile opens the target file of a download. It returns the path of a
// file it created or overwrote.
func (w *Work) createFile() string {
	var f *os.File
	create := func(full string) error {
		var err error
		f, err = os.OpenFile(full, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
		return err
	}
	full, a := w.tryCreate(false, create)
	if a.err == nil {
		w.setCreated(f)
		return full
	}

	action := actNone
	reduce := false
	switch {
	case w.Force == ForceAutorename:
		action = actAutorename
	case a.exists:
		switch w.Force {
		case ForceResume:
			action = actResume
		case ForceResumeOrOverwrite:
			action = actResumeOrOverwrite
		case ForceOverwrite:
			action = actOverwrite
		case ForceReduceFileSizeAndResume:
			action, reduce = actResume, true
		}
	}
	if action == actNone {
		if a.exists {
			action = w.existingFileAction()
		} else {
			switch w.CannotCreateFile {
			case CannotCreatePrompt:
				w.fail(StateUserInputNeeded, ProblemCannotCreateTgtFile, a.err)
			case CannotCreateAutorename:
				action = actAutorename
			case CannotCreateSkip:
				w.fail(StateSkipped, ProblemCannotCreateTgtFile, a.err)
			}
		}
	}

	full = filepath.Join(w.Path, w.Name)
	switch action {
	case actAutorename:
		created, err := w.autorename(a, false, create)
		if err != nil {
			w.fail(cannotCreateState(w.CannotCreateFile), ProblemCannotCreateTgtFile, err)
			return ""
		}
		w.setCreated(f)
		return created
	case actResume, actResumeOrOverwrite:
		restore, done := w.resume(full, action == actResumeOrOverwrite, reduce)
		if done {
			return ""
		}
		return w.overwrite(full, restore)
	case actOverwrite:
		return w.overwrite(full, nil)
	}
	return ""
}

// resume opens an existing file for appending. done is false when the file
// could not be opened and overwriting it is allowed; restore then resets a
// cleared read-only permission.
func (w *Work) resume(full string, orOverwrite, reduce bool) (restore func(), done bool) {
	f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		var ok bool
		if restore, ok = makeWritable(full); ok {
			f, err = os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0o666)
		}
	}
	opened := err == nil
	if opened {
		var fi os.FileInfo
		if fi, err = f.Stat(); err == nil {
			size := fi.Size()
			if reduce {
				overlap := min(max(w.ResumeOverlap, 1), size)
				size -= overlap
				err = f.Truncate(size)
			}
			if err == nil {
				w.Opened = f
				w.FileSize = size
				w.CanOverwrite = orOverwrite
				w.CanDeleteEmptyFile = false
				return nil, true
			}
		}
		_ = f.Close()
	}
	if !orOverwrite || opened {
		if restore != nil {
			restore()
		}
		w.fail(cannotCreateState(w.CannotCreateFile), ProblemCannotCreateTgtFile, err)
		return nil, true
	}
	return restore, false
}

// overwrite truncates an existing file. A file which cannot be opened for
// writing is deleted and created again.
func (w *Work) overwrite(full string, restore func()) string {
	if restore == nil {
		restore, _ = makeWritable(full)
	}
	const flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	f, err := os.OpenFile(full, flags, 0o666)
	if err != nil && os.Remove(full) == nil {
		f, err = os.OpenFile(full, flags, 0o666)
	}
	if err != nil {
		restore()
		w.fail(cannotCreateState(w.CannotCreateFile), ProblemCannotCreateTgtFile, err)
		return ""
	}
	w.setCreated(f)
	return full
}

// checkOrWrite verifies the resume overlap and writes Data.
func (w *Work) checkOrWrite() {
	f := w.File
	if f == nil {
		w.fail(StateFailed, ProblemLowMem, errNoFile)
		return
	}
	fi, err := f.Stat()
	if err != nil {
		w.fail(StateFailed, ProblemTgtFileReadError, err)
		return
	}
	size := fi.Size()

	write := true
	pos := w.Offset
	checked := 0
	if w.CheckFromOffset < w.Offset {
		if w.CheckFromOffset >= size {
			w.fail(StateFailed, ProblemResumeTestFailed, nil)
			return
		}
		n := int(min(w.Offset-w.CheckFromOffset, int64(len(w.Data))))
		buf := make([]byte, checkChunk)
		for checked < n {
			c := min(n-checked, checkChunk)
			if _, err := f.ReadAt(buf[:c], w.CheckFromOffset+int64(checked)); err != nil {
				w.fail(StateFailed, ProblemTgtFileReadError, err)
				return
			}
			if !bytes.Equal(buf[:c], w.Data[checked:checked+c]) {
				w.fail(StateFailed, ProblemResumeTestFailed, nil)
				return
			}
			checked += c
		}
		pos = w.CheckFromOffset + int64(checked)
		write = pos == w.Offset
	}
	if !write || checked >= len(w.Data) {
		return
	}
	if w.Offset > size {
		w.fail(StateFailed, ProblemResumeTestFailed, nil)
		return
	}
	n, err := f.WriteAt(w.Data[checked:], pos)
	if err != nil {
		w.fail(StateFailed, ProblemTgtFileWriteError, err)
		return
	}
	if end := pos + int64(n); end < size {
		// Old data past the written part is stale.
		_ = f.Truncate(end)
	}
}

// createAndWrite creates Path/Name when File is nil and appends Data.
func (w *Work) createAndWrite() string {
	created := ""
	f := w.File
	if f == nil {
		full := filepath.Join(w.Path, w.Name)
		_, _ = makeWritable(full)
		var err error
		f, err = os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
		if err != nil {
			w.fail(StateFailed, ProblemCannotCreateTgtFile, err)
			return ""
		}
		w.Opened = f
		created = full
	}
	if len(w.Data) > 0 {
		if _, err := f.Write(w.Data); err != nil {
			w.fail(StateFailed, ProblemTgtFileWriteError, err)
		}
	}
	return created
}

func (w *Work) listDir() {
	dir := filepath.Join(w.Path, w.Name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.fail(StateFailed, ProblemUploadCannotListSrc, err)
		return
	}
	listing := make([]ListingItem, 0, len(entries))
	for _, e := range entries {
		item := ListingItem{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			item.Size = info.Size()
		}
		if e.Type()&fs.ModeSymlink != 0 {
			if fi, err := os.Stat(filepath.Join(dir, e.Name())); err == nil {
				item.IsDir = fi.IsDir()
				item.Size = fi.Size()
			}
		}
		if item.IsDir {
			item.Size = 0
		}
		listing = append(listing, item)
	}
	w.Listing = listing
}

// remove deletes Path/Name; a name which is already gone is fine.
func (w *Work) remove(p Problem) {
	full := filepath.Join(w.Path, w.Name)
	restore, _ := makeWritable(full)
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		restore()
		w.fail(StateFailed, p, err)
	}
}

func (w *Work) openForReading() {
	f, err := os.Open(filepath.Join(w.Path, w.Name))
	if err == nil {
		var fi os.FileInfo
		if fi, err = f.Stat(); err == nil {
			w.Opened = f
			w.FileSize = fi.Size()
			return
		}
		_ = f.Close()
	}
	w.fail(StateFailed, ProblemUploadCannotOpenSrc, err)
}

// readFile fills Data from Offset and advances Offset by the bytes
// consumed. In ASCII mode every line end (LF, CR or CRLF) becomes CRLF.
func (w *Work) readFile(ascii bool) {
	w.EOLs = 0
	w.Data = w.Data[:0]
	if w.File == nil {
		w.fail(StateFailed, ProblemLowMem, errNoFile)
		return
	}
	buf := make([]byte, ReadBufferSize)
	n, err := w.File.ReadAt(buf, w.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		w.fail(StateFailed, ProblemSrcFileReadError, err)
		return
	}
	w.EOF = err != nil
	raw := buf[:n]
	if !ascii {
		w.Data = raw
		w.Offset += int64(n)
		return
	}

	out := make([]byte, 0, ReadBufferSize)
	s := 0
	for s < len(raw) && len(out) < ReadBufferSize-1 {
		switch c := raw[s]; c {
		case '\n':
			out = append(out, '\r', '\n')
			w.EOLs++
		case '\r':
			if s+1 == len(raw) && !w.EOF && s > 0 {
				// The LF may follow in the next block.
				w.Data = out
				w.Offset += int64(s)
				return
			}
			if s+1 < len(raw) && raw[s+1] == '\n' {
				s++
			}
			out = append(out, '\r', '\n')
			w.EOLs++
		default:
			out = append(out, c)
		}
		s++
	}
	w.Data = out
	w.Offset += int64(s)
	if s < len(raw) {
		w.EOF = false
	}
}
