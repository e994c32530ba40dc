package bench

// RunDefault runs DefaultPoints × DefaultIters and writes the text report
// into report. It returns the number of bytes written, excluding the NUL.
// Failures appear only as a "Failed: " line in the text.
func RunDefault(shaderPath string, report []byte, opts ...Option) int {
	return runInto(shaderPath, DefaultPoints, DefaultIters, report, opts)
}

// RunWithParams is RunDefault with a caller-chosen workload; pointCount and
// iterCount are clamped with ClampPoints and ClampIters.
func RunWithParams(shaderPath string, pointCount, iterCount int64, report []byte, opts ...Option) int {
	return runInto(shaderPath, ClampPoints(pointCount), ClampIters(iterCount), report, opts)
}

func runInto(shaderPath string, points, iters int, report []byte, opts []Option) (n int) {
	if len(report) > 0 {
		report[0] = 0
	}
	var rep *Report
	defer func() {
		if r := recover(); r != nil {
			text := ""
			if rep != nil {
				text = rep.Text()
			}
			text += "Failed: " + describe(&panicError{value: r}) + "\n"
			n = WriteReport(report, text)
		}
	}()
	rep, _ = Run(shaderPath, points, iters, opts...)
	return WriteReport(report, rep.Text())
}
