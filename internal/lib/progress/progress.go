package progress

// Reporter receives user-facing status lines and numeric progress from a
// single long-running operation. A Reporter is scoped to one operation call;
// implementations decide where the output goes (log, status endpoint, both).
type Reporter interface {
	Status(msg string)
	Progress(pct float64)
}

type nop struct{}

func (nop) Status(string)    {}
func (nop) Progress(float64) {}

// Nop discards everything.
func Nop() Reporter { return nop{} }

// Funcs adapts plain functions to a Reporter. Nil fields are skipped.
type Funcs struct {
	OnStatus   func(msg string)
	OnProgress func(pct float64)
}

func (f Funcs) Status(msg string) {
	if f.OnStatus != nil {
		f.OnStatus(msg)
	}
}

func (f Funcs) Progress(pct float64) {
	if f.OnProgress != nil {
		f.OnProgress(pct)
	}
}
