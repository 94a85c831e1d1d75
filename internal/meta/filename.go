package meta

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/franz/phototank/internal/util"
)

// filenameDatePatterns are tried in order; groups are y, m, d and optionally H, M, S.
var filenameDatePatterns = []*regexp.Regexp{
	// IMG_20100615_120000, PXL_20200101_101010123, 20100615_120000, Screenshot_20100615-120000
	regexp.MustCompile(`(?:^|[^0-9])((?:19|20)\d{2})(\d{2})(\d{2})[_-](\d{2})(\d{2})(\d{2})`),
	// 2010-06-15 12.00.00, 2010-06-15_12-00-00, 2010-06-15T12:00:00
	regexp.MustCompile(`(?:^|[^0-9])((?:19|20)\d{2})-(\d{2})-(\d{2})[ _T](\d{2})[.:-](\d{2})[.:-](\d{2})`),
	// 2010-06-15, 2010_06_15
	regexp.MustCompile(`(?:^|[^0-9])((?:19|20)\d{2})[-_](\d{2})[-_](\d{2})(?:[^0-9]|$)`),
	// 20100615
	regexp.MustCompile(`(?:^|[^0-9])((?:19|20)\d{2})(\d{2})(\d{2})(?:[^0-9]|$)`),
}

// DateFromFilename finds a calendar-valid date in the file stem.
func DateFromFilename(path string) (string, bool) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	for _, re := range filenameDatePatterns {
		m := re.FindStringSubmatch(stem)
		if m == nil {
			continue
		}
		nums := make([]int, 6)
		for i := 1; i < len(m) && i <= 6; i++ {
			nums[i-1], _ = strconv.Atoi(m[i])
		}
		t, ok := validDate(nums[0], nums[1], nums[2], nums[3], nums[4], nums[5])
		if ok {
			return util.FormatNaive(t), true
		}
	}
	return "", false
}

func validDate(y, mo, d, h, mi, s int) (time.Time, bool) {
	if mo < 1 || mo > 12 || d < 1 || d > 31 || h > 23 || mi > 59 || s > 59 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(mo), d, h, mi, s, 0, time.UTC)
	// time.Date normalizes Feb 30 to Mar 2; reject that.
	if t.Day() != d || int(t.Month()) != mo {
		return time.Time{}, false
	}
	return t, true
}
