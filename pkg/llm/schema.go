package llm

import "google.golang.org/genai"

var classificationRequired = []string{
	"classification",
	"confidence",
	"summary",
	"influential_markers",
	"top_classifications",
	"treatment_options",
}

func stringField(description string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeString, Description: description}
}

func numberField(description string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeNumber, Description: description}
}

var treatmentOptionSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"optionName":    stringField("The name of the treatment option (e.g., 'Chemotherapy', 'Targeted Therapy: Trastuzumab', 'Immunotherapy')."),
		"description":   stringField("A brief description of what the treatment entails."),
		"rationale":     stringField("A detailed rationale explaining why this option is suitable based on the patient's data, cancer type, and prognosis."),
		"evidenceLevel": stringField("The level of evidence supporting this option (e.g., 'Standard of Care', 'Emerging', 'Clinical Trial Option')."),
	},
	Required: []string{"optionName", "description", "rationale", "evidenceLevel"},
}

var classificationSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"classification": stringField("The most likely cancer type and subtype (e.g., 'Breast Cancer, HER2-Positive')."),
		"confidence":     numberField("A confidence score from 0.0 to 1.0 for the classification."),
		"summary":        stringField("A detailed summary explaining the reasoning behind the classification, citing specific markers and data points from the provided information."),
		"influential_markers": {
			Type:        genai.TypeArray,
			Description: "A list of the top 5 most influential genetic or clinical markers for this classification.",
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"marker":     stringField("The name of the marker (e.g., 'GENE_X' or 'Age')."),
					"importance": numberField("A normalized importance score from 0 to 100."),
				},
				Required: []string{"marker", "importance"},
			},
		},
		"top_classifications": {
			Type:        genai.TypeArray,
			Description: "A list of the top 3-5 potential classifications and their probabilities.",
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"type":        stringField("The cancer type."),
					"probability": numberField("The probability score from 0.0 to 1.0."),
				},
				Required: []string{"type", "probability"},
			},
		},
		"treatment_options": {
			Type:        genai.TypeArray,
			Description: "A list of rational treatment options based on the prognosis. These are for informational purposes for healthcare professionals.",
			Items:       treatmentOptionSchema,
		},
	},
	Required: classificationRequired,
}

// Every field is optional; the model omits what the document does not contain.
var demographicsSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"age":           stringField("Patient's age in years. Should be a number as a string."),
		"sex":           stringField("Patient's sex (e.g., 'Male', 'Female', 'Other')."),
		"bmi":           stringField("Patient's Body Mass Index (BMI). Should be a number as a string."),
		"bloodPressure": stringField("Patient's blood pressure (e.g., '120/80')."),
	},
}
