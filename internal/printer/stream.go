package printer

import "github.com/thereceipt/thermal-dispatch/internal/escpos"

// BuildCommandStream appends the paper feed and the post-print trailer to
// an encoded body. The drawer pulse takes priority over the cut; with
// cashboxCut both are sent, drawer first.
func BuildCommandStream(body []byte, flags Flags, cashboxCut bool) []byte {
	enc := escpos.NewEncoder()
	enc.Write(body)
	enc.FeedMM(flags.MMFeedPaper)

	switch {
	case flags.OpenCashbox:
		enc.PulseDrawer()
		if cashboxCut && flags.AutoCut {
			enc.Cut()
		}
	case flags.AutoCut:
		enc.Cut()
	}
	return enc.Bytes()
}
