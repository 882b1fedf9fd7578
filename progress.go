package ftp

import "io"

// Progress is called with the number of payload bytes transferred so far.
type Progress func(transferred int64)

// progressReader counts the bytes read through it.
type progressReader struct {
	r     io.Reader
	fn    Progress
	total int64
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.total += int64(n)
		if pr.fn != nil {
			pr.fn(pr.total)
		}
	}
	return n, err
}

// progressWriter counts the bytes written through it.
type progressWriter struct {
	w     io.Writer
	fn    Progress
	total int64
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	if n > 0 {
		pw.total += int64(n)
		if pw.fn != nil {
			pw.fn(pw.total)
		}
	}
	return n, err
}
