package routes

var (
	BearerAuth = []map[string][]string{
		{"bearer": {}},
	}
)

type Tag string

const (
	TagHealth  Tag = "health"
	TagIam     Tag = "iam"
	TagReports Tag = "reports"
	TagRuns    Tag = "runs"
)

func (t Tag) String() string { return string(t) }
