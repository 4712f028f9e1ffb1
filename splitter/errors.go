package splitter

import "errors"

func errQuiescenceTimeout() error {
	return errors.New("source writer operations did not reach quiescence within the configured retry budget")
}
