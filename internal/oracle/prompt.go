package oracle

import "encoding/json"

// systemPrompt is the extraction instruction sent with every page image.
// The embedded example doubles as the output contract.
const systemPrompt = `Please analyze this image and extract the language school information. Focus on identifying:
- School name
- Location details
- Course information
- Pricing
- Accommodation options
- Any terms or conditions

if there are more than one location, please provide information for all locations.
if there are more than one course, please provide information for all courses.
make sure to include all the courses available, including the prices and any additional fees.

if there are more courses available but can not fit in one response, please set the repeat flag to true and provide the remaining courses in the next response.

Format the response as valid JSON with this structure:
{
    "name": "Centre of English Studies",
    "locations": [
        {
            "city": "Dublin",
            "country": "IE",
            "address": "...",
            "courses": [
                {
                    "name": "Standard General English",
                    "lessons_per_week": 20,
                    "description": "Morning classes Mon-Fri",
                    "prices": [
                        {"duration": "2-4 weeks", "price": "355", "currency": "EUR"}
                    ]
                }
            ],
            "accommodations": [
                {
                    "type": "Homestay",
                    "price_per_week": "280",
                    "description": "Single room, half board",
                    "supplements": {
                        "Summer": "35/week"
                    }
                }
            ],
            "additional_fees": {
                "registration": "85"
            }
        }
    ],
    "terms": {
        "cancellation": "14 days notice required"
    }
}
`

const continuationPreamble = "\nPlease provide the remaining courses that were not included in the previous response. \n Previous response was: \n "

// BuildPrompt returns the extraction instruction. After the first attempt
// every prior output is appended so the model continues from what it
// already produced instead of restarting.
func BuildPrompt(prior []json.RawMessage) string {
	if len(prior) == 0 {
		return systemPrompt
	}
	b, err := json.MarshalIndent(prior, "", "  ")
	if err != nil {
		b = []byte("[]")
	}
	return systemPrompt + continuationPreamble + string(b)
}
