package critsec

import "testing"

func TestEnterExitIsSafeToNest(t *testing.T) {
	outer := Enter()
	inner := Enter()
	Exit(inner)
	Exit(outer)
}
