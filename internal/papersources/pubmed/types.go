// Package pubmed searches PubMed through the NCBI E-utilities API.
//
// Search is two calls: esearch returns PMIDs as JSON, efetch returns the
// article records as XML.
//
// API documentation: https://www.ncbi.nlm.nih.gov/books/NBK25501/
package pubmed

import "encoding/xml"

type esearchResponse struct {
	Result struct {
		Count  string   `json:"count"`
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

type articleSet struct {
	XMLName  xml.Name        `xml:"PubmedArticleSet"`
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	Citation struct {
		PMID    string  `xml:"PMID"`
		Article article `xml:"Article"`
	} `xml:"MedlineCitation"`
	Data struct {
		ArticleIDs []articleID `xml:"ArticleIdList>ArticleId"`
	} `xml:"PubmedData"`
}

type article struct {
	Journal struct {
		Title string `xml:"Title"`
		Issue struct {
			PubDate struct {
				Year        string `xml:"Year"`
				MedlineDate string `xml:"MedlineDate"`
			} `xml:"PubDate"`
		} `xml:"JournalIssue"`
	} `xml:"Journal"`
	Title        string         `xml:"ArticleTitle"`
	ELocationIDs []articleID    `xml:"ELocationID"`
	Abstract     []abstractText `xml:"Abstract>AbstractText"`
	Authors      []author       `xml:"AuthorList>Author"`
}

// articleID covers both ArticleId (IdType) and ELocationID (EIdType).
type articleID struct {
	IDType  string `xml:"IdType,attr"`
	EIDType string `xml:"EIdType,attr"`
	Value   string `xml:",chardata"`
}

func (a articleID) kind() string {
	if a.IDType != "" {
		return a.IDType
	}
	return a.EIDType
}

type abstractText struct {
	Label string `xml:"Label,attr"`
	Value string `xml:",chardata"`
}

type author struct {
	LastName       string `xml:"LastName"`
	ForeName       string `xml:"ForeName"`
	CollectiveName string `xml:"CollectiveName"`
	Affiliations   []struct {
		Affiliation string `xml:"Affiliation"`
	} `xml:"AffiliationInfo"`
	Identifiers []struct {
		Source string `xml:"Source,attr"`
		Value  string `xml:",chardata"`
	} `xml:"Identifier"`
}
