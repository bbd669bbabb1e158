package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/case-crawler/internal/crawler"
)

const judgmentsCSV = "\ufeffTitle,Subject,Court,Category,Judgment Date,Cause Number,Actions\n" +
	"Smith v Jones,Contract,Grand Court,Civil,2024-Jan-15,FSD 12 of 2024,\"AB12 | cd-34\"\n" +
	"Smith v Jones (costs),Costs,Grand Court,Civil,15/01/2024,FSD 12 of 2024,ab12\n" +
	"R v Doe,Sentence,Grand Court,Criminal,2023-11-02,IND 7 of 2023,EF56\n" +
	"No actions,Nothing,Grand Court,Civil,,,\n"

// TestParseJudgments ensures rows split into one record per normalized token.
func TestParseJudgments(t *testing.T) {
	t.Parallel()

	records, rows, err := NewParser([]string{"criminal"}).Parse(crawler.SourceUnreportedJudgments, []byte(judgmentsCSV))
	require.NoError(t, err)
	require.Equal(t, 4, rows)
	require.Len(t, records, 3)

	require.Equal(t, "AB12", records[0].TokenNorm)
	require.Equal(t, "AB12", records[0].TokenRaw)
	require.Equal(t, "Smith v Jones", records[0].Title)
	require.Equal(t, "2024-01-15", records[0].JudgmentDate)
	require.Equal(t, "FSD 12 of 2024", records[0].CauseNumber)
	require.False(t, records[0].Excluded)

	require.Equal(t, "CD34", records[1].TokenNorm)
	require.Equal(t, "cd-34", records[1].TokenRaw)

	require.Equal(t, "EF56", records[2].TokenNorm)
	require.True(t, records[2].Excluded)
}

func TestParsePublicRegisters(t *testing.T) {
	t.Parallel()

	payload := "Register Type,Name,Reference,Date\n" +
		"Insolvency Practitioner,Jane Doe,IP-001,2022-03-04\n" +
		"Insolvency Practitioner,John Roe,,\n" +
		",,,\n"
	records, rows, err := NewParser(nil).Parse(crawler.SourcePublicRegisters, []byte(payload))
	require.NoError(t, err)
	require.Equal(t, 3, rows)
	require.Len(t, records, 2)

	require.Equal(t, "INSOLVENCYPRACTITIONERIP001", records[0].TokenNorm)
	require.Equal(t, "Jane Doe", records[0].Title)
	require.Equal(t, "Insolvency Practitioner - IP-001 - 2022-03-04", records[0].Subject)
	require.Equal(t, "2022-03-04", records[0].JudgmentDate)
	require.Equal(t, "INSOLVENCYPRACTITIONERJOHNROE", records[1].TokenNorm)
}

func TestParseRejectsBadPayloads(t *testing.T) {
	t.Parallel()

	p := NewParser(nil)
	cases := map[string]struct {
		source  string
		payload string
	}{
		"empty":          {crawler.SourceUnreportedJudgments, ""},
		"missing column": {crawler.SourceUnreportedJudgments, "Title,Court\nA,B\n"},
		"header only":    {crawler.SourceUnreportedJudgments, "Title,Actions\n"},
		"no tokens":      {crawler.SourceUnreportedJudgments, "Title,Actions\nA, ;| \n"},
		"registers":      {crawler.SourcePublicRegisters, "Title,Actions\nA,B\n"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, _, err := p.Parse(tc.source, []byte(tc.payload))
			require.Error(t, err)
		})
	}
}

func TestParseJudgmentDate(t *testing.T) {
	t.Parallel()

	require.Equal(t, "2024-01-15", ParseJudgmentDate("2024-01-15"))
	require.Equal(t, "2024-01-15", ParseJudgmentDate("2024-Jan-15"))
	require.Equal(t, "2024-01-15", ParseJudgmentDate("15/01/2024"))
	require.Equal(t, "2024-01-15", ParseJudgmentDate("15-Jan-2024"))
	require.Equal(t, "2024-01-15", ParseJudgmentDate("20240115"))
	require.Equal(t, "sometime", ParseJudgmentDate(" sometime "))
	require.Empty(t, ParseJudgmentDate("  "))
}
