package ledger

// Contract interfaces consumed by the storefront. The marketplace settles in
// the stable asset at its stored price; discounts are a client-side concern.

const marketABIJSON = `[
  {"type":"function","name":"getProduct","stateMutability":"view",
   "inputs":[{"name":"id","type":"uint256"}],
   "outputs":[
     {"name":"price","type":"uint256"},
     {"name":"metadataRef","type":"string"},
     {"name":"maxSupply","type":"uint256"},
     {"name":"sold","type":"uint256"},
     {"name":"active","type":"bool"}]},
  {"type":"function","name":"purchaseProduct","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"ProductAdded","inputs":[
     {"name":"id","type":"uint256","indexed":true},
     {"name":"price","type":"uint256","indexed":false},
     {"name":"metadataRef","type":"string","indexed":false},
     {"name":"maxSupply","type":"uint256","indexed":false}]},
  {"type":"event","name":"ProductPurchased","inputs":[
     {"name":"id","type":"uint256","indexed":true},
     {"name":"buyer","type":"address","indexed":true},
     {"name":"tokenId","type":"uint256","indexed":false},
     {"name":"price","type":"uint256","indexed":false}]}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`
