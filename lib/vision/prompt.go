package vision

const extractionPrompt = `The attached image is a screenshot of a data table from a
roleplay server rulebook. The table belongs to exactly one of these
categories: "handgun", "shotgun", "automatic weapon", "heavy weapon",
"vehicle", "action".

Transcribe every row into a JSON array of objects. Each object must
use these keys:
  - "name": the item or action name, exactly as written
  - "type": the table category from the list above
  - "price": the listed price, or null if the table has no price column
  - "authorization": the authorization marker for the row, if present
Keep any additional columns (ammo, capacity, seats, cooldown, ...) as
extra keys using the column header as the key.

Labels may be in French. Do not invent rows that are not in the image.
Respond with the JSON array only.`

const strictRepairPrompt = extractionPrompt + `

IMPORTANT: your previous answer could not be parsed. Respond with a
single syntactically valid JSON array and nothing else: no prose, no
markdown fences, no trailing commas.`
